package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var lookupCommand = &cli.Command{
	Name:      "lookup",
	Usage:     "Resolve a profile, its relays and badges",
	ArgsUsage: "<npub|nprofile|hex|name@domain>",
	Action:    lookupIdentity,
}

func lookupIdentity(ctx *cli.Context) error {
	identifier := ctx.Args().First()
	if identifier == "" {
		return fmt.Errorf("missing identifier")
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	identity, err := client.LookupIdentity(ctx.Context, identifier)
	if err != nil {
		return err
	}
	return printJSON(identity)
}
