package logging

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, NewLogger(Config{Level: "DEBUG"}).GetLevel())
	assert.Equal(t, zerolog.InfoLevel, NewLogger(Config{Level: "chatty"}).GetLevel())
}

func TestLogWriterFormats(t *testing.T) {
	assert.IsType(t, zerolog.ConsoleWriter{}, logWriter(Config{Format: "pretty"}))
	assert.IsType(t, zerolog.ConsoleWriter{}, logWriter(Config{PrettyPrint: true}))
	assert.Equal(t, os.Stdout, logWriter(Config{Format: "json"}))
}
