package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and
// removes all test keys before and after the test. Tests that call this
// helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		for _, prefix := range []string{BanPrefix, OffensePrefix, FlagPrefix} {
			iter := client.Scan(ctx, 0, prefix+"test_*", 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func TestCheck_NotBanned(t *testing.T) {
	store := newTestStore(t)

	b, err := store.Check(context.Background(), "test_no_ban")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != nil {
		t.Errorf("expected no ban, got %+v", b)
	}
}

func TestBanAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_ban_check"

	if err := store.Ban(ctx, user, 30*time.Second, "spam"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	b, err := store.Check(ctx, user)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if b == nil {
		t.Fatal("expected a ban")
	}
	if b.Reason != "spam" {
		t.Errorf("expected reason=%q, got %q", "spam", b.Reason)
	}
	if b.Remaining <= 0 || b.Remaining > 30*time.Second {
		t.Errorf("expected remaining in (0,30s], got %v", b.Remaining)
	}
}

func TestLift(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_lift"

	if err := store.Ban(ctx, user, time.Minute, "test"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	if err := store.Lift(ctx, user); err != nil {
		t.Fatalf("Lift() error: %v", err)
	}

	b, err := store.Check(ctx, user)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if b != nil {
		t.Error("expected no ban after Lift()")
	}
}

// ---------------------------------------------------------------------------
// Escalation
// ---------------------------------------------------------------------------

func TestEscalationDuration(t *testing.T) {
	cases := []struct {
		count    int
		expected time.Duration
	}{
		{0, Ban15Min},
		{1, Ban15Min},
		{2, Ban1Hour},
		{3, Ban24Hour},
		{10, Ban24Hour},
	}
	for _, tc := range cases {
		if got := escalationDuration(tc.count); got != tc.expected {
			t.Errorf("escalationDuration(%d) = %v, want %v", tc.count, got, tc.expected)
		}
	}
}

func TestEscalate_Sequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_escalate"

	want := []time.Duration{Ban15Min, Ban1Hour, Ban24Hour, Ban24Hour}
	for i, expected := range want {
		got, err := store.Escalate(ctx, user, "toxicity")
		if err != nil {
			t.Fatalf("Escalate() #%d error: %v", i+1, err)
		}
		if got != expected {
			t.Errorf("offense %d: expected %v, got %v", i+1, expected, got)
		}
	}

	count, err := store.Offenses(ctx, user)
	if err != nil {
		t.Fatalf("Offenses() error: %v", err)
	}
	if count != len(want) {
		t.Errorf("expected %d offenses, got %d", len(want), count)
	}

	b, _ := store.Check(ctx, user)
	if b == nil || b.Reason != "toxicity" {
		t.Fatalf("expected toxicity ban, got %+v", b)
	}
	if b.Remaining < Ban24Hour-10*time.Second {
		t.Errorf("expected ~24h remaining, got %v", b.Remaining)
	}
}

func TestFlag_BelowThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_flag_below"

	for i := 1; i < FlagThreshold; i++ {
		banned, d, err := store.Flag(ctx, user, "spam")
		if err != nil {
			t.Fatalf("Flag() error: %v", err)
		}
		if banned || d != 0 {
			t.Errorf("flag %d: expected no ban, got banned=%v d=%v", i, banned, d)
		}
	}

	if b, _ := store.Check(ctx, user); b != nil {
		t.Error("user should not be banned below the flag threshold")
	}
	if n, _ := store.Offenses(ctx, user); n != 0 {
		t.Errorf("expected 0 offenses, got %d", n)
	}
}

func TestFlag_ThresholdEscalates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_flag_ban"

	for i := 1; i < FlagThreshold; i++ {
		store.Flag(ctx, user, "spam")
	}

	banned, d, err := store.Flag(ctx, user, "spam")
	if err != nil {
		t.Fatalf("Flag() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned at threshold")
	}
	if d != Ban15Min {
		t.Errorf("first escalation should be %v, got %v", Ban15Min, d)
	}

	// Past the threshold every flag is another offense.
	_, d, _ = store.Flag(ctx, user, "spam")
	if d != Ban1Hour {
		t.Errorf("second escalation should be %v, got %v", Ban1Hour, d)
	}
}

func TestCounterTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_counter_ttl"

	store.Flag(ctx, user, "test")

	ttl, err := store.client.TTL(ctx, FlagPrefix+user).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl < CounterTTL-10*time.Second || ttl > CounterTTL {
		t.Errorf("expected TTL ~24h, got %v", ttl)
	}
}
