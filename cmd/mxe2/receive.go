package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type receiveCommand struct {
	N int `short:"n" description:"Maximum number of events to receive (0 = unlimited)" default:"0"`
}

func (cmd *receiveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient()
	defer c.Close()

	fmt.Println("Listening for events... (Ctrl+C to stop)")

	count := 0
	for ev, err := range c.Receive(ctx) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		lock := ""
		if ev.IsEncrypted {
			lock = " [encrypted]"
		}
		fmt.Printf("%s %s %s%s: %s\n", ev.RoomID, ev.Type, ev.Sender, lock, ev.Content)
		count++
		if cmd.N > 0 && count >= cmd.N {
			break
		}
	}

	return nil
}
