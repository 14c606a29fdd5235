package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// flags read their EnvVars at parse time, so .env must be loaded first
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("failed to load .env: %v", err)
	}

	app := &cli.App{
		Name:  "tokenindexer",
		Usage: "Index ERC20 transfers into per-holder balances",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Backfill and follow every tracked token and serve the read API",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "reset-token",
				Usage:  "Drop a token's balances and rewind its watermark so the next run re-ingests it",
				Flags:  resetFlags(),
				Action: resetToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
