// Package stats aggregates load test client measurements and prints a summary
// with percentile distributions, optionally alongside scraped server metrics.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from multiple load test clients. All methods
// are goroutine-safe and can be called concurrently from many client
// goroutines.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	sent             int
	delivered        int
	startTime        time.Time
	scraper          *Scraper
}

// SetScraper attaches a Prometheus metrics scraper to this collector. When set,
// Report() will also print server-side metrics collected by the scraper.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful connection with the given connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts a message handed to the server.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivered counts a message that reached its recipient, recording the
// end-to-end latency measured from the send timestamp.
func (c *Collector) AddDelivered(d time.Duration) {
	c.mu.Lock()
	c.delivered++
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the current number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the current number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// DeliveryRatio returns delivered/sent, or 0 before anything was sent.
func (c *Collector) DeliveryRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == 0 {
		return 0
	}
	return float64(c.delivered) / float64(c.sent)
}

// Report prints a summary of the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)

	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:   %.2f%%\n", errorRate)
	}
	if c.sent > 0 {
		fmt.Printf("Messages:     %d sent, %d delivered (%.2f%%)\n",
			c.sent, c.delivered, float64(c.delivered)/float64(c.sent)*100)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}

	if len(c.msgLatencies) > 0 {
		fmt.Println("\n--- Delivery Latency ---")
		printPercentiles(c.msgLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// summary is the percentile breakdown of a latency sample.
type summary struct {
	n                       int
	avg, p50, p95, p99, max time.Duration
}

// summarize sorts durations in place. It must not be called with an empty
// slice.
func summarize(durations []time.Duration) summary {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return summary{
		n:   n,
		avg: sum / time.Duration(n),
		p50: durations[n/2],
		p95: durations[int(math.Ceil(float64(n)*0.95))-1],
		p99: durations[int(math.Ceil(float64(n)*0.99))-1],
		max: durations[n-1],
	}
}

func printPercentiles(durations []time.Duration) {
	s := summarize(durations)
	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		s.avg.Round(time.Microsecond),
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
		s.max.Round(time.Microsecond),
		s.n,
	)
}
