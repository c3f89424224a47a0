package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New creates and configures a new zerolog logger
func New(logLevel string) zerolog.Logger {
	var out io.Writer = os.Stdout

	// Configure console writer for human-readable output in development
	if os.Getenv("API_ENV") == "development" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return NewWithWriter(logLevel, out)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(logLevel string, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "fortuna").
		Logger()
}

// WithWorker adds worker ID to logger context
func WithWorker(logger zerolog.Logger, workerID string) zerolog.Logger {
	return logger.With().Str("worker_id", workerID).Logger()
}

// WithUser adds the user ID to logger context
func WithUser(logger zerolog.Logger, userID string) zerolog.Logger {
	return logger.With().Str("user_id", userID).Logger()
}

// WithTier adds the raffle tier to logger context
func WithTier(logger zerolog.Logger, tier string) zerolog.Logger {
	return logger.With().Str("tier", tier).Logger()
}

// WithDraw adds the draw ID to logger context
func WithDraw(logger zerolog.Logger, drawID string) zerolog.Logger {
	return logger.With().Str("draw_id", drawID).Logger()
}

// WithPayout adds the payout ID to logger context
func WithPayout(logger zerolog.Logger, payoutID string) zerolog.Logger {
	return logger.With().Str("payout_id", payoutID).Logger()
}

// WithRPCEndpoint adds RPC endpoint to logger context
func WithRPCEndpoint(logger zerolog.Logger, endpoint string) zerolog.Logger {
	return logger.With().Str("rpc_endpoint", endpoint).Logger()
}
