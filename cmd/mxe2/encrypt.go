package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	client "github.com/mxgo/e2ee"
)

type encryptCommand struct {
	Args struct {
		RoomID  string   `positional-arg-name:"room" required:"true" description:"Room ID (e.g. !abc:example.org)"`
		Members []string `positional-arg-name:"member" required:"1" description:"Member user IDs"`
	} `positional-args:"true" required:"true"`
}

func (cmd *encryptCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	res, err := c.SetRoomEncryption(ctx, cmd.Args.RoomID, client.RoomEncryptionConfig{
		Members: cmd.Args.Members,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Encryption enabled for %s\n", cmd.Args.RoomID)
	for _, user := range res.MissingUsers {
		fmt.Printf("  warning: no device keys for %s\n", user)
	}
	for user, devices := range res.MissingDevices {
		for _, dev := range devices {
			fmt.Printf("  warning: no one-time key for %s/%s\n", user, dev)
		}
	}
	return nil
}
