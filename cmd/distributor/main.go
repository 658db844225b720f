// Package main provides the entry point of the relay reward distributor.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "distributor",
		Usage: "score relays and settle reward rounds on the ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "optional YAML configuration file, environment variables win",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded when present",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logs",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Usage: "show the round dashboard, logs go to " + logFileName,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "distributor: %+v\n", err)
		os.Exit(1)
	}
}
