package cmd

import (
	"os"
	"os/signal"

	"github.com/peerdock/peerdock/internal/ui"
	"github.com/peerdock/peerdock/internal/version"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "peerdock",
	Short:   "Peer-to-peer room sessions over WebRTC with automatic host election",
	Long:    `PeerDock maintains mesh sessions between devices using WebRTC data channels. Participants meet in named rooms through a lightweight relay, a single host is elected to coordinate connections, and the host role migrates automatically when the current host departs.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
