package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"openbloom-market/internal/app"
)

var (
	simulatePrice     float64
	simulateChangePct float64
	simulateSource    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-quote SYMBOL",
	Short: "Feed one synthetic quote through alert evaluation and notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price must be greater than 0")
		}
		return getApp().SimulateQuote(cmd.Context(), app.SimulateOptions{
			Symbol:        args[0],
			Price:         simulatePrice,
			ChangePercent: simulateChangePct,
			Source:        simulateSource,
		})
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Last price of the synthetic quote")
	simulateCmd.Flags().Float64Var(&simulateChangePct, "change-pct", 0, "Session change percent of the synthetic quote")
	simulateCmd.Flags().StringVar(&simulateSource, "source", "simulated", "Source label recorded on fired events")
}
