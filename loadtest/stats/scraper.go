package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server metrics followed during a run. Labelled series are summed.
const (
	metricConnections = "livechat_connections_total"
	metricOnline      = "livechat_online_users"
	metricEvents      = "livechat_events_total"
	metricDropped     = "livechat_deliveries_dropped_total"
	metricPersistSum  = "livechat_persist_latency_seconds_sum"
	metricPersistN    = "livechat_persist_latency_seconds_count"
)

var tracked = map[string]bool{
	metricConnections: true,
	metricOnline:      true,
	metricEvents:      true,
	metricDropped:     true,
	metricPersistSum:  true,
	metricPersistN:    true,
}

// reportRows are the series printed as initial/final/delta/peak rows.
var reportRows = []struct {
	label  string
	metric string
}{
	{"Connections", metricConnections},
	{"Online Users", metricOnline},
	{"Events Total", metricEvents},
	{"Dropped", metricDropped},
}

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's /metrics endpoint while a scenario runs.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until ctx ends or Stop
// is called. A final scrape is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape()
				return
			case <-ticker.C:
				s.scrape()
			}
		}
	}()
}

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrape() {
	resp, err := s.http.Get(s.url)
	if err != nil {
		// Not up yet.
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

// parseSnapshot reads the Prometheus text format and keeps the tracked
// series.
func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now(), values: make(map[string]float64, len(tracked))}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, v, ok := parseMetricLine(line)
		if ok && tracked[name] {
			snap.values[name] += v
		}
	}
	return snap, sc.Err()
}

// parseMetricLine splits `name{labels} value` or `name value`.
func parseMetricLine(line string) (string, float64, bool) {
	var name, rest string
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			return "", 0, false
		}
		name, rest = line[:open], line[open+end+1:]
	} else {
		var ok bool
		name, rest, ok = strings.Cut(line, " ")
		if !ok {
			return "", 0, false
		}
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints how the tracked server metrics moved over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range reportRows {
		a, b := first.values[row.metric], last.values[row.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", row.label, a, b, b-a, peak(snaps, row.metric))
	}

	fmt.Println()
	n := last.values[metricPersistN] - first.values[metricPersistN]
	if n > 0 {
		avg := (last.values[metricPersistSum] - first.values[metricPersistSum]) / n
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Persist", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Persist")
	}
}

func peak(snaps []snapshot, metric string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, s.values[metric])
	}
	return p
}
