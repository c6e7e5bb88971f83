package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/ui"
	"github.com/BioHazard786/warpmesh/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warpmesh",
	Short: "Serverless WebRTC mesh rooms with a tiny signaling relay",
	Long: `WarpMesh joins rooms of peers connected directly over WebRTC. Signaling
servers are only used to find peers; once connected, data flows peer to peer.
Several processes on one machine can share a room through Redis: one of them
leads and holds the signaling connections, the others relay through it.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
