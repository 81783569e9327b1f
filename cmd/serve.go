package cmd

import (
	"fmt"
	"net/http"

	"github.com/peerdock/peerdock/internal/logging"
	"github.com/peerdock/peerdock/internal/relay"
	"github.com/spf13/cobra"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a relay server",
	Long: `Run the relay server that rooms meet through. The relay carries
signaling traffic, presence and the durable room records; peer data flows
directly over WebRTC and never touches it.

Examples:
  peerdock serve
  peerdock serve --listen :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(flagListen)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", ":8080", "address to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runRelay(addr string) error {
	log := logging.Component("relay")

	hub := relay.NewHub()
	go hub.Run()

	log.Info("relay server listening", "addr", addr)
	if err := http.ListenAndServe(addr, relay.Handler(hub)); err != nil {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}
