package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/whisper/livechat/internal/identity"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/loadtest/client"
	"github.com/whisper/livechat/loadtest/stats"
)

// rampConfig holds the flags shared by every scenario.
type rampConfig struct {
	url         string
	secret      string
	prefix      string
	ramp        time.Duration
	concurrency int
}

func (rc *rampConfig) register(fs *flag.FlagSet) {
	fs.StringVar(&rc.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.StringVar(&rc.secret, "jwt-secret", "", "JWT_SECRET of the server (required)")
	fs.StringVar(&rc.prefix, "user-prefix", "load", "Prefix of generated user ids")
	fs.DurationVar(&rc.ramp, "ramp", 10*time.Second, "Ramp-up duration")
	fs.IntVar(&rc.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
}

// dialer mints tokens for generated users and opens their connections.
type dialer struct {
	base   *url.URL
	prefix string
	tokens *identity.JWTResolver
}

func newDialer(rc rampConfig) (*dialer, error) {
	if rc.secret == "" {
		return nil, fmt.Errorf("-jwt-secret is required")
	}
	u, err := url.Parse(rc.url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	return &dialer{base: u, prefix: rc.prefix, tokens: identity.NewJWTResolver(rc.secret, nil)}, nil
}

// dial connects user i and waits for its presence snapshot.
func (d *dialer) dial(ctx context.Context, i int) (*client.Client, error) {
	id := presence.Identity{
		ID:          fmt.Sprintf("%s-%05d", d.prefix, i),
		DisplayName: fmt.Sprintf("Load User %d", i),
	}
	tok, err := d.tokens.Issue(id, time.Hour)
	if err != nil {
		return nil, err
	}

	u := *d.base
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	c, err := client.New(ctx, u.String(), id.ID)
	if err != nil {
		return nil, err
	}
	if err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// connectAll ramps up total connections evenly over rc.ramp with bounded
// concurrency. Clients are returned in user index order; failed slots are
// omitted. interrupted is true when ctx ended before every attempt launched.
func connectAll(ctx context.Context, rc rampConfig, total int, collector *stats.Collector, label string) (clients []*client.Client, interrupted bool, err error) {
	d, err := newDialer(rc)
	if err != nil {
		return nil, false, err
	}

	interval := rc.ramp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	slots := make([]*client.Client, total)
	sem := make(chan struct{}, rc.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					label, conns, total, collector.ErrorCount(), rate)
				lastCount = conns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := d.dial(connCtx, i)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			slots[i] = c
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	for _, c := range slots {
		if c != nil {
			clients = append(clients, c)
		}
	}
	return clients, interrupted, nil
}

func closeAll(clients []*client.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
