package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/util"
)

var searchCommand = &cli.Command{
	Name:      "search",
	Usage:     "Search profiles, notes and other events on NIP-50 relays",
	ArgsUsage: "<query>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print raw results",
		},
	},
	Action: search,
}

func search(ctx *cli.Context) error {
	query := strings.Join(ctx.Args().Slice(), " ")
	if query == "" {
		return fmt.Errorf("missing query")
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	results := client.Search(ctx.Context, query)
	if ctx.Bool("json") {
		return printJSON(results)
	}

	for _, r := range results {
		content := util.TruncateString(strings.ReplaceAll(r.Event.Content, "\n", " "), 80)
		fmt.Printf("%-7s %s  %s\n", r.Type, nostr.ShortID(r.Event.ID), content)
	}
	fmt.Printf("%d results\n", len(results))
	return nil
}
