package stats

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := summarize(ds)
	require.Equal(t, 100, s.n)
	require.Equal(t, 50500*time.Microsecond, s.avg)
	require.Equal(t, 51*time.Millisecond, s.p50)
	require.Equal(t, 95*time.Millisecond, s.p95)
	require.Equal(t, 99*time.Millisecond, s.p99)
	require.Equal(t, 100*time.Millisecond, s.max)
}

func TestDeliveryRatio(t *testing.T) {
	c := NewCollector()
	require.Zero(t, c.DeliveryRatio())

	for i := 0; i < 4; i++ {
		c.AddSent()
	}
	c.AddDelivered(time.Millisecond)
	c.AddDelivered(2 * time.Millisecond)
	c.AddDelivered(3 * time.Millisecond)
	require.InDelta(t, 0.75, c.DeliveryRatio(), 1e-9)
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"livechat_online_users 12", "livechat_online_users", 12, true},
		{`livechat_events_total{event="private_message",outcome="delivered"} 7`, "livechat_events_total", 7, true},
		{"livechat_persist_latency_seconds_sum 0.25", "livechat_persist_latency_seconds_sum", 0.25, true},
		{`broken{label="x" 1`, "", 0, false},
		{"novalue", "", 0, false},
		{"name notanumber", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		require.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			require.Equal(t, tt.name, name)
			require.InDelta(t, tt.value, value, 1e-9)
		}
	}
}

func TestParseSnapshot(t *testing.T) {
	body := strings.Join([]string{
		"# HELP livechat_connections_total Current number of active WebSocket connections",
		"# TYPE livechat_connections_total gauge",
		"livechat_connections_total 40",
		"livechat_online_users 38",
		`livechat_events_total{event="chat message",outcome="delivered"} 5`,
		`livechat_events_total{event="private_message",outcome="dropped"} 2`,
		"livechat_deliveries_dropped_total 1",
		`livechat_persist_latency_seconds_bucket{le="0.001"} 3`,
		"livechat_persist_latency_seconds_sum 0.5",
		"livechat_persist_latency_seconds_count 5",
		"go_goroutines 99",
		"",
	}, "\n")

	snap, err := parseSnapshot(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 40.0, snap.values[metricConnections])
	require.Equal(t, 38.0, snap.values[metricOnline])
	require.Equal(t, 7.0, snap.values[metricEvents])
	require.Equal(t, 1.0, snap.values[metricDropped])
	require.Equal(t, 0.5, snap.values[metricPersistSum])
	require.Equal(t, 5.0, snap.values[metricPersistN])
	require.NotContains(t, snap.values, "go_goroutines")
}
