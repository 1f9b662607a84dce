// Command mxe2 is a CLI for end-to-end encrypted messaging.
//
// Usage:
//
//	mxe2 upload-keys                 Publish device keys and one-time keys
//	mxe2 query <user>...             Download and print device keys
//	mxe2 encrypt <room> <user>...    Enable encryption for a room
//	mxe2 send <room> <msg>           Send an encrypted text message
//	mxe2 receive                     Receive and print incoming messages
package main

import (
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/mxgo/e2ee"
)

type globalOpts struct {
	Homeserver string `long:"homeserver" env:"MXE2_HOMESERVER" description:"Base URL of the homeserver client API"`
	Token      string `long:"token" env:"MXE2_TOKEN" description:"Access token for the homeserver"`
	User       string `short:"u" long:"user" env:"MXE2_USER" description:"Local user ID (e.g. @ali:example.org)"`
	Device     string `short:"d" long:"device" env:"MXE2_DEVICE" description:"Local device ID"`
	DB         string `long:"db" description:"Path to database file"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	UploadKeys uploadKeysCommand `command:"upload-keys" description:"Publish device keys and top up one-time keys"`
	Query      queryCommand      `command:"query" description:"Download and print device keys for users"`
	Encrypt    encryptCommand    `command:"encrypt" description:"Enable encryption for a room"`
	Send       sendCommand       `command:"send" description:"Send an encrypted text message to a room"`
	Receive    receiveCommand    `command:"receive" description:"Receive and print incoming messages"`
	Info       infoCommand       `command:"info" description:"Show the local device identity"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func loadClient(extra ...client.Option) *client.Client {
	var copts []client.Option
	copts = append(copts, extra...)
	if opts.Homeserver != "" {
		copts = append(copts, client.WithHomeserverURL(opts.Homeserver))
	}
	if opts.Token != "" {
		copts = append(copts, client.WithAccessToken(opts.Token))
	}
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}

	c, err := client.NewClient(opts.User, opts.Device, copts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}
