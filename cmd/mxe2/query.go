package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type queryCommand struct {
	Force bool `short:"f" long:"force" description:"Re-download keys even for cached users"`
	Args  struct {
		Users []string `positional-arg-name:"user" required:"1" description:"User IDs to query"`
	} `positional-args:"true" required:"true"`
}

func (cmd *queryCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	view, err := c.DownloadKeys(ctx, cmd.Args.Users, cmd.Force)
	if err != nil {
		return err
	}

	for _, user := range cmd.Args.Users {
		devices := view[user]
		fmt.Printf("%s (%d devices):\n", user, len(devices))
		for _, d := range devices {
			fmt.Printf("  %s curve25519=%s ed25519=%s\n", d.DeviceID, d.Curve25519, d.Ed25519)
		}
	}
	return nil
}
