package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/relay"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

const shutdownTimeout = 5 * time.Second

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a signaling relay",
	Long: `Run a topic pub/sub signaling relay for warpmesh rooms.

Examples:
  warpmesh serve
  warpmesh serve --addr :9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(config.Options{RelayAddr: flagAddr})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	hub := relay.NewHub(slog.Default())
	go hub.Run()
	defer hub.Stop()

	srv := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           relay.NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	ui.PrintInfof("Signaling relay listening on %s", cfg.RelayAddr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	ui.PrintSuccess("Relay stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "Listen address (default :8080, env RELAY_ADDR)")
}
