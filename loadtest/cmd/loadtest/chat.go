package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/loadtest/client"
	"github.com/whisper/livechat/loadtest/stats"
)

// runChat connects pairs of users and has both sides of every pair send
// private messages to each other for a fixed duration. Delivery latency is
// measured end to end from a send timestamp carried in the content.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	var rc rampConfig
	rc.register(fs)
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, rc.url, rc.ramp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	rampStart := time.Now()
	clients, interrupted, err := connectAll(ctx, rc, totalClients, collector, "connect")
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		len(clients), totalClients, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	finish := func() {
		closeAll(clients)
		scraper.Stop()
		collector.Report()
	}

	if interrupted {
		fmt.Println("Interrupted, skipping the chat phase.")
		finish()
		return
	}

	// Pair up whoever connected; an odd one out just idles.
	paired := lo.Filter(lo.Chunk(clients, 2), func(p []*client.Client, _ int) bool { return len(p) == 2 })
	if len(paired) == 0 {
		fmt.Println("No pairs could be formed, not enough connections.")
		finish()
		return
	}

	fmt.Printf("\n--- Phase 2: Running %d chat pairs ---\n", len(paired))

	var sent, recv, errCount atomic.Int64
	for _, c := range clients {
		c.On(protocol.TypePrivateMessage, func(raw json.RawMessage) {
			var msg protocol.ServerPrivateMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			if at, ok := sentAt(msg.Content); ok {
				recv.Add(1)
				collector.AddDelivered(time.Since(at))
			}
		})
	}

	payload := strings.Repeat("abcdefgh", (*msgSize/8)+1)[:*msgSize]

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  recv: %d  errors: %d\n",
					sent.Load(), recv.Load(), errCount.Load())
			case <-progressStop:
				return
			}
		}
	}()

	chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
	defer cancel()
	chatStart := time.Now()

	var wg sync.WaitGroup
	for i, p := range paired {
		for _, dir := range [][2]*client.Client{{p[0], p[1]}, {p[1], p[0]}} {
			from, to := dir[0], dir[1]
			// Stagger so pairs do not fire in lockstep.
			offset := time.Duration(i%100) * (*msgInterval / 100)

			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case <-time.After(offset):
				case <-chatCtx.Done():
					return
				}

				ticker := time.NewTicker(*msgInterval)
				defer ticker.Stop()
				for {
					select {
					case <-chatCtx.Done():
						return
					case <-ticker.C:
						if err := from.SendPrivate(to.UserID(), stamp(time.Now(), payload)); err != nil {
							errCount.Add(1)
							collector.AddError()
							return
						}
						sent.Add(1)
						collector.AddSent()
					}
				}
			}()
		}
	}

	wg.Wait()
	// Give in-flight messages a moment to land.
	time.Sleep(time.Second)
	close(progressStop)
	progressWg.Wait()

	chatElapsed := time.Since(chatStart)
	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs:             %d\n", len(paired))
	fmt.Printf("Total msg sent:    %d\n", sent.Load())
	fmt.Printf("Total msg recv:    %d\n", recv.Load())
	fmt.Printf("Delivery ratio:    %.2f%%\n", collector.DeliveryRatio()*100)
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if s := sent.Load(); s > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(s)/chatElapsed.Seconds())
	}

	finish()
}

// stamp prefixes payload with the send time in unix nanoseconds.
func stamp(t time.Time, payload string) string {
	return strconv.FormatInt(t.UnixNano(), 10) + "|" + payload
}

// sentAt extracts the send time written by stamp.
func sentAt(content string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(content, "|")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
