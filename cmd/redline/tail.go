package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inkhaus/redline/internal/client"
)

var tailCmd = &cobra.Command{
	Use:   "tail <document-id>",
	Short: "Stream a document's realtime events to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		documentID := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c := client.New(wsBase(serverURL), authToken, documentID, client.Options{})
		if err := c.Connect(ctx); err != nil {
			return err
		}
		defer c.Disconnect()

		fmt.Fprintf(os.Stderr, "connected to %s as %s (connection %s)\n",
			documentID, c.UserID(), c.ConnectionID())

		msgs, cancel := c.Messages()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				if err := c.Err(); err != nil {
					return err
				}
				return nil
			case env, ok := <-msgs:
				if !ok {
					return c.Err()
				}
				if jsonOutput {
					printJSON(env)
				} else {
					printEnvelope(env)
				}
			}
		}
	},
}

// wsBase rewrites an http(s) base URL to its ws(s) equivalent.
func wsBase(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
