package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/bit2swaz/sosmesh/internal/config"
	"github.com/bit2swaz/sosmesh/internal/core"
	"github.com/bit2swaz/sosmesh/internal/engine"
	"github.com/bit2swaz/sosmesh/internal/logger"
	"github.com/bit2swaz/sosmesh/internal/peer"
	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/bit2swaz/sosmesh/internal/signal"
	"github.com/bit2swaz/sosmesh/internal/store"
	"github.com/bit2swaz/sosmesh/internal/tui"
	"github.com/bit2swaz/sosmesh/internal/uplink"
	"github.com/bit2swaz/sosmesh/internal/utils"
	"github.com/bit2swaz/sosmesh/internal/web"
)

var cfg config.Config
var discordWebhook string

var rootCmd = &cobra.Command{
	Use:   "sos",
	Short: "SOSMesh relay node",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Join a room and start relaying alerts",
	Run: func(cmd *cobra.Command, args []string) {
		if err := logger.Init(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot open log file %s: %v\n", cfg.LogFile, err)
			os.Exit(1)
		}

		if err := checkPort(cfg.WebPort); err != nil {
			fmt.Fprintf(os.Stderr, "Error: web port %d is already in use.\n", cfg.WebPort)
			os.Exit(1)
		}

		slog.Info("Starting SOSMesh", "room", cfg.Room, "signalUrl", cfg.SignalURL)

		ledger := openLedger(cfg.DBFile())
		senderID := core.LoadOrGenerate(core.SessionPath(cfg.Room))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sig, err := signal.Dial(ctx, cfg.SignalURL)
		if err != nil {
			slog.Error("Failed to reach signaling relay", "error", err)
			fmt.Fprintf(os.Stderr, "Error: cannot reach signaling relay at %s\n", cfg.SignalURL)
			os.Exit(1)
		}

		clk := clock.New()
		pm := peer.NewManager(senderID, sig, clk)
		eng := engine.New(senderID, ledger, pm, clk)
		pm.OnData = eng.HandleData
		pm.OnPeerChange = eng.HandlePeerChange

		if discordWebhook != "" {
			slog.Info("Initializing uplink service", "webhook", "REDACTED")
			startUplink(eng, discordWebhook)
		}

		if err := eng.Start(ctx); err != nil {
			slog.Error("Failed to start relay engine", "error", err)
			os.Exit(1)
		}
		defer eng.Stop()

		pm.Start(ctx)
		if err := pm.JoinRoom(cfg.Room); err != nil {
			slog.Error("Failed to join room", "room", cfg.Room, "error", err)
			fmt.Fprintf(os.Stderr, "Error: failed to join room %s: %v\n", cfg.Room, err)
			os.Exit(1)
		}

		webSrv := web.NewServer(ledger, eng, cfg.WebPort)
		go func() {
			if err := webSrv.Start(ctx); err != nil {
				slog.Error("Web server failed", "error", err)
				os.Exit(1)
			}
		}()

		url := utils.ConsoleURL(cfg.WebPort)
		qr, _ := qrcode.New(url, qrcode.Medium)

		fmt.Println("\nSCAN TO OPEN CONSOLE:")
		fmt.Println(qr.ToString(false))
		fmt.Println("URL:", url)

		if os.Getenv("SOSMESH_HEADLESS") == "true" {
			slog.Info("Running in HEADLESS mode (no TUI)")
			<-ctx.Done()
			return
		}
		if err := tui.Start(eng, ledger, url, cfg.Nick); err != nil {
			slog.Error("TUI failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVarP(&cfg.SignalURL, "signal-url", "s", "ws://localhost:8787/ws", "Signaling relay URL")
	startCmd.Flags().StringVarP(&cfg.Room, "room", "r", "lobby", "Room to join")
	startCmd.Flags().StringVarP(&cfg.Nick, "nick", "n", "Anonymous", "Nickname shown on status updates")
	startCmd.Flags().IntVarP(&cfg.WebPort, "web-port", "w", 8080, "Web console port")
	startCmd.Flags().StringVar(&cfg.DBPath, "db", "", "Ledger path (default sosmesh_<room>.db)")
	startCmd.Flags().StringVar(&cfg.LogFile, "log-file", "sosmesh.log", "Log file path")
	startCmd.Flags().StringVar(&discordWebhook, "discord-webhook", "", "Discord webhook URL for the SOS uplink")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openLedger falls back to the in-memory ledger when sqlite cannot be
// opened. The node keeps relaying either way; only durability is lost.
func openLedger(path string) store.Ledger {
	db, err := store.Open(path)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			slog.Warn("Persistent ledger unavailable, dedup state is in-memory only", "path", path, "error", err)
			fmt.Fprintf(os.Stderr, "Warning: ledger at %s unavailable, running degraded\n", path)
			return store.NewMemory()
		}
		slog.Error("Failed to open ledger", "path", path, "error", err)
		os.Exit(1)
	}
	return db
}

// startUplink bridges received SOS events into the webhook forwarder. The
// channel is bounded and sends never block the receive pipeline.
func startUplink(eng *engine.Engine, webhookURL string) {
	up := uplink.NewService(webhookURL)
	ch := make(chan protocol.Message, 100)
	eng.Subscribe(engine.EventSOSReceived, func(n engine.Notification) {
		if n.Msg == nil {
			return
		}
		select {
		case ch <- *n.Msg:
		default:
			slog.Warn("Uplink queue full, dropping SOS", "msgId", n.Msg.MsgID)
		}
	})
	up.Start(ch)
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
