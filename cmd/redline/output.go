package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/inkhaus/redline/internal/model"
	"github.com/inkhaus/redline/internal/ui"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printPresence(documentID string, users []string) {
	if len(users) == 0 {
		fmt.Printf("no users connected to %s\n", documentID)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER")
	for _, u := range users {
		fmt.Fprintf(w, "%s\n", u)
	}
	w.Flush()
	fmt.Printf("\n%d users on %s\n", len(users), documentID)
}

func printEnvelope(env *model.Envelope) {
	at := time.UnixMilli(env.Timestamp).Local().Format("15:04:05")
	payload := string(env.Payload)
	if payload == "" {
		payload = "-"
	}
	fmt.Printf("%s  %-10s  %-16s  %s\n",
		ui.RenderMuted(at), env.Type, ui.RenderAccent(env.UserID), payload)
}
