package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	client "github.com/mxgo/e2ee"
)

type uploadKeysCommand struct {
	Target int `short:"t" long:"target" description:"Unclaimed one-time keys to keep on the server" default:"5"`
}

func (cmd *uploadKeysCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(client.WithOneTimeKeyTarget(cmd.Target))
	defer c.Close()

	if err := c.UploadKeys(ctx); err != nil {
		return err
	}

	fmt.Printf("Keys uploaded for %s/%s\n", c.UserID(), c.DeviceID())
	return nil
}
