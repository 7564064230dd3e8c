package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/livechat/internal/chat"
	"github.com/whisper/livechat/internal/metrics"
	"github.com/whisper/livechat/internal/report"
)

// Bans is the escalation side of the ban store.
type Bans interface {
	Escalate(ctx context.Context, userID, reason string) (time.Duration, error)
	Flag(ctx context.Context, userID, reason string) (bool, time.Duration, error)
}

// Reports records flagged messages for later review.
type Reports interface {
	Create(ctx context.Context, r *report.Report) error
	CountRecent(ctx context.Context, userID string, window time.Duration) (int, error)
}

// RepeatWindow is the look-back used when logging a user's report history.
const RepeatWindow = 24 * time.Hour

// ResultPublisher announces bans so the WebSocket server can enforce them.
type ResultPublisher interface {
	PublishModerationResult(data []byte) error
}

// Worker screens stored messages. Blocked keywords escalate straight to a
// ban; spam patterns only count as flags until the flag threshold is hit.
type Worker struct {
	filter  *Filter
	bans    Bans
	reports Reports
	pub     ResultPublisher
	log     *slog.Logger
}

// NewWorker creates a Worker. reports may be nil when no database is
// configured.
func NewWorker(filter *Filter, bans Bans, reports Reports, pub ResultPublisher, log *slog.Logger) *Worker {
	return &Worker{
		filter:  filter,
		bans:    bans,
		reports: reports,
		pub:     pub,
		log:     log,
	}
}

// HandleStored processes one chat.MessageStoredEvent payload. It returns the
// published Result, or nil when the message was clean or did not lead to a
// ban.
func (w *Worker) HandleStored(ctx context.Context, data []byte) (*Result, error) {
	var ev chat.MessageStoredEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("moderation: decode stored event: %w", err)
	}

	res := w.filter.Check(ev.Content)
	if !res.Blocked {
		return nil, nil
	}
	metrics.ModerationFlags.WithLabelValues(res.Reason).Inc()

	var (
		banned   bool
		duration time.Duration
		err      error
	)
	reason := reportReason(res)
	switch res.Reason {
	case ReasonBlockedKeyword:
		duration, err = w.bans.Escalate(ctx, ev.SenderID, reason)
		banned = err == nil
	default:
		banned, duration, err = w.bans.Flag(ctx, ev.SenderID, reason)
	}
	if err != nil {
		return nil, fmt.Errorf("moderation: ban %s: %w", ev.SenderID, err)
	}

	w.log.Info("moderation: flagged",
		"user", ev.SenderID, "message", ev.MessageID,
		"reason", res.Reason, "term", res.Term, "banned", banned, "duration", duration.String())

	if w.reports != nil {
		r := &report.Report{
			UserID:    ev.SenderID,
			MessageID: ev.MessageID,
			Reason:    reason,
			Content:   ev.Content,
		}
		if banned {
			r.Ban = duration
		}
		if err := w.reports.Create(ctx, r); err != nil {
			w.log.Warn("moderation: report failed", "user", ev.SenderID, "err", err)
		} else if n, err := w.reports.CountRecent(ctx, ev.SenderID, RepeatWindow); err == nil && n > 1 {
			w.log.Warn("moderation: repeat offender", "user", ev.SenderID, "reports", n, "window", RepeatWindow.String())
		}
	}

	if !banned {
		return nil, nil
	}

	result := &Result{
		UserID:     ev.SenderID,
		MessageID:  ev.MessageID,
		Reason:     reason,
		Term:       res.Term,
		BanSeconds: int(duration / time.Second),
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("moderation: encode result: %w", err)
	}
	if err := w.pub.PublishModerationResult(out); err != nil {
		return result, fmt.Errorf("moderation: publish result: %w", err)
	}
	return result, nil
}

// reportReason maps a filter hit to a stored report reason.
func reportReason(res FilterResult) string {
	if res.Reason == ReasonBlockedKeyword {
		return report.ReasonBlockedTerm
	}
	switch res.Term {
	case "char_flood", "word_flood":
		return report.ReasonFlood
	default:
		return report.ReasonSpam
	}
}
