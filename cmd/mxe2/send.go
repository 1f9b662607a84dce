package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
)

type sendCommand struct {
	Args struct {
		RoomID  string `positional-arg-name:"room" required:"true" description:"Room ID (e.g. !abc:example.org)"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	content, err := json.Marshal(map[string]string{
		"msgtype": "m.text",
		"body":    cmd.Args.Message,
	})
	if err != nil {
		return err
	}

	eventID, err := c.SendMessage(ctx, cmd.Args.RoomID, content, uuid.NewString())
	if err != nil {
		return err
	}

	fmt.Printf("Sent %s to %s\n", eventID, cmd.Args.RoomID)
	return nil
}
