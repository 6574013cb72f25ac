package main

import "openbloom-market/internal/cli"

func main() {
	cli.Execute()
}
