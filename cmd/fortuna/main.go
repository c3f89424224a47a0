package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/wnt/fortuna/internal/app"
	"github.com/wnt/fortuna/internal/config"
	"github.com/wnt/fortuna/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("fortuna failed")
	}
}

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "fortuna"
	a.Usage = "Tiered pull and raffle engine with Solana payouts"
	a.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "env-file",
			Value: ".env",
			Usage: "Path to .env file",
		},
	}
	a.Action = cli.ShowAppHelp
	a.Commands = commands()
	return a
}

// loadApp builds the App for a command. Tests replace it.
var loadApp = load

// load reads the environment and wires an App. Callers must Close it.
func load(c *cli.Context) (*app.App, error) {
	envFile := c.String("env-file")
	if err := godotenv.Load(envFile); err != nil && c.IsSet("env-file") {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(cfg.LogLevel)
	return app.New(c.Context, cfg, log)
}
