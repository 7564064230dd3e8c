package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/livechat/loadtest/stats"
)

// runSaturate opens the requested number of connections, ramping up over a
// configurable duration, then holds them open while watching for drops. Each
// connection is a distinct user, so every arrival is also a presence
// broadcast to everyone already online.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	var rc rampConfig
	rc.register(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL (optional)")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, rc.url, rc.ramp, *hold, rc.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
		defer scraper.Stop()
	}

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	clients, interrupted, err := connectAll(ctx, rc, *connections, collector, "ramp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "saturate: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), *connections, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				dropped = len(clients) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), dropped)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
