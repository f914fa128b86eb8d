package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bit2swaz/sosmesh/internal/engine"
	"github.com/bit2swaz/sosmesh/internal/logger"
	"github.com/bit2swaz/sosmesh/internal/sim"
	"github.com/bit2swaz/sosmesh/internal/store"
	"github.com/bit2swaz/sosmesh/internal/tui"
	"github.com/bit2swaz/sosmesh/internal/utils"
	"github.com/bit2swaz/sosmesh/internal/web"
)

// Demo binary: runs the scripted engine against the real console and TUI,
// no signaling relay or peers required.
func main() {
	webPort := 8081

	// 1. Setup
	if err := logger.Init("sosmesh_sim.log"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	ledger := store.NewMemory()
	eng := sim.New(clock.New())

	// Mirror notifications into the ledger so the web console has data to
	// serve; the real engine writes the ledger itself.
	eng.Subscribe(engine.EventMessage, func(n engine.Notification) {
		if n.Msg == nil {
			return
		}
		if _, err := ledger.Insert(*n.Msg, time.Now()); err != nil {
			slog.Warn("Failed to record simulated message", "error", err)
		}
	})
	eng.Subscribe(engine.EventAck, func(n engine.Notification) {
		if err := ledger.MarkDelivered(n.MsgID); err != nil {
			slog.Warn("Failed to mark simulated delivery", "error", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Start the script: two peers join, one raises an SOS, one drops
	fmt.Println("Simulator starting...")
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start simulator: %v", err)
	}
	defer eng.Stop()

	// 3. Web console
	webSrv := web.NewServer(ledger, eng, webPort)
	go func() {
		if err := webSrv.Start(ctx); err != nil {
			slog.Error("Web server failed", "error", err)
			os.Exit(1)
		}
	}()

	url := utils.ConsoleURL(webPort)
	fmt.Println("Console:", url)

	// 4. TUI, or idle until killed when headless
	if os.Getenv("SOSMESH_HEADLESS") == "true" {
		slog.Info("Running in HEADLESS mode (no TUI)")
		<-ctx.Done()
		return
	}
	if err := tui.Start(eng, ledger, url, "SimOperator"); err != nil {
		log.Fatalf("TUI failed: %v", err)
	}
}
