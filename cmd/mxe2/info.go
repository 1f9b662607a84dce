package main

import (
	"fmt"
)

type infoCommand struct{}

func (cmd *infoCommand) Execute(args []string) error {
	c := loadClient()
	defer c.Close()

	fmt.Println("Device identity:")
	fmt.Printf("  User:       %s\n", c.UserID())
	fmt.Printf("  Device:     %s\n", c.DeviceID())
	fmt.Printf("  Curve25519: %s\n", c.DeviceCurve25519Key())
	fmt.Printf("  Ed25519:    %s\n", c.DeviceEd25519Key())
	return nil
}
