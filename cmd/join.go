package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmesh/internal/bus"
	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/dns"
	"github.com/BioHazard786/warpmesh/internal/leader"
	"github.com/BioHazard786/warpmesh/internal/mesh"
	"github.com/BioHazard786/warpmesh/internal/names"
	"github.com/BioHazard786/warpmesh/internal/peer"
	"github.com/BioHazard786/warpmesh/internal/signaling"
	"github.com/BioHazard786/warpmesh/internal/ui"
)

var (
	flagSignaling []string
	flagPassword  string
	flagRedis     string
	flagSTUN      string
	flagTURN      string
	flagTURNUser  string
	flagTURNPass  string
	flagRelay     bool
)

var joinCmd = &cobra.Command{
	Use:     "join [room]",
	Aliases: []string{"j"},
	Short:   "Join a mesh room",
	Long: `Join a room and exchange messages with every peer in it.

Without a room name a random one is generated. Share it with the other side.

Examples:
  warpmesh join
  warpmesh join brave-otter-sings-loudly -s wss://signal.example.com/ws
  warpmesh join team-room --password hunter2 --redis localhost:6379`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return joinRoom(cmd.Context(), name)
	},
}

func joinRoom(ctx context.Context, name string) error {
	cfg, err := config.Load(config.Options{
		SignalingURLs: flagSignaling,
		Password:      flagPassword,
		RedisAddr:     flagRedis,
		STUNServer:    flagSTUN,
		TURNServer:    flagTURN,
		TURNUser:      flagTURNUser,
		TURNPass:      flagTURNPass,
		ForceRelay:    flagRelay,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if name == "" {
		name = names.Generate()
	}
	logger := slog.Default()

	b, election, closeBroadcast, err := openBroadcast(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroadcast()

	hub, err := mesh.NewHub(mesh.HubConfig{
		Bus:      b,
		Election: election,
		NewTransport: peer.NewPionFactory(peer.PionOptions{
			Config: cfg,
			Logger: logger,
		}),
		Dialer: signaling.NewDialer(dns.NewResolver()),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	c, err := hub.Create(name, cfg.SignalingURLs, mesh.Options{Password: cfg.Password})
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	defer c.Destroy()

	fmt.Println(ui.RoomInfo{
		Room:      name,
		PeerID:    c.PeerID(),
		Signaling: cfg.SignalingURLs,
		Sealed:    cfg.Password != "",
		Shared:    cfg.RedisAddr != "",
	}.View())

	dash := ui.NewDashboard(name, c.PeerID(), c.Send)
	c.OnStatus(func(ev mesh.StatusEvent) { dash.Status(ev.Connected, ev.Leader) })
	c.OnPeers(func(ev mesh.PeersEvent) { dash.Peers(ev.WebRTCPeers, ev.BCPeers) })
	c.OnSynced(func(ev mesh.SyncedEvent) { dash.Synced(ev.Synced) })
	c.OnMessage(func(ev mesh.MessageEvent) { dash.Message(ev.PeerID, ev.Data) })

	go func() {
		<-ctx.Done()
		dash.Quit()
	}()

	if err := dash.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}

	fmt.Println()
	ui.RenderSessionSummary(dash.Summary())
	return nil
}

// openBroadcast returns the bus and election shared with sibling
// processes: Redis when configured, otherwise process-local.
func openBroadcast(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.Bus, leader.Election, func(), error) {
	if cfg.RedisAddr == "" {
		return bus.NewMemory(), leader.NewMemory(), func() {}, nil
	}

	sp := ui.RunConnectionSpinner("Connecting to Redis...")
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	b, err := bus.NewRedis(ctx, client, logger)
	if err != nil {
		sp.Error("Redis unavailable")
		client.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", mesh.ErrNoBroadcast, err)
	}
	election, err := leader.NewRedis(ctx, client, leader.RedisOptions{Logger: logger})
	if err != nil {
		sp.Error("Redis unavailable")
		client.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", mesh.ErrNoBroadcast, err)
	}
	sp.Success("Connected to Redis at " + cfg.RedisAddr)

	return b, election, func() { client.Close() }, nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringArrayVarP(&flagSignaling, "signaling", "s", nil, "Signaling server URL (repeatable)")
	joinCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "Room password; seals all signaling payloads")
	joinCmd.Flags().StringVar(&flagRedis, "redis", "", "Redis address for sharing a room between processes")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode")
}
