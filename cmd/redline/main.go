package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/inkhaus/redline/internal/ui"
)

var (
	serverURL  string
	authToken  string
	jsonOutput bool
)

func defaultServer() string {
	if s := os.Getenv("REDLINE_SERVER"); s != "" {
		return s
	}
	if u := activeRemoteURL(); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func defaultToken() string {
	if t := os.Getenv("REDLINE_TOKEN"); t != "" {
		return t
	}
	return activeRemoteToken()
}

var rootCmd = &cobra.Command{
	Use:   "redline",
	Short: "Realtime collaboration transport for document review",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if jsonOutput || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer(), "server base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", defaultToken(), "bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
