package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	buzz "nostr-buzz"
	"nostr-buzz/internal/config"
	"nostr-buzz/internal/logging"
)

func main() {
	app := cli.NewApp()

	app.Name = "buzzctl"
	app.Usage = "Look up, search and zap Nostr users"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error (overrides LOG_LEVEL)",
		},
		&cli.StringFlag{
			Name:    "relays",
			Usage:   "path to a relays yaml/json file (overrides RELAYS_CONFIG)",
			EnvVars: []string{"RELAYS_CONFIG"},
		},
	}
	app.Commands = append(app.Commands, lookupCommand, searchCommand, zapCommand)

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[buzzctl] %v\n", err)
	os.Exit(1)
}

// newClient loads the configuration, applies the global flags and builds a
// client. Logs go to stderr so stdout stays parseable.
func newClient(ctx *cli.Context) (*buzz.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if lvl := ctx.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if path := ctx.String("relays"); path != "" {
		cfg.RelaysFile = path
		cfg.Relays = config.LoadRelays(path)
	}
	logging.InitWriter(os.Stderr, config.ParseLogLevel(cfg.LogLevel))

	return buzz.New(cfg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
