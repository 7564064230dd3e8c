// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the livechat server and its workers. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the
// stored-message, presence and moderation channels.
package messaging

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across livechat services.
const (
	SubjectMessageStored    = "chat.stored"
	SubjectPresenceOnline   = "presence.online"
	SubjectPresenceOffline  = "presence.offline"
	SubjectModerationResult = "moderation.result"

	// QueueModerators load-balances stored messages across moderator workers.
	QueueModerators = "moderators"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *slog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "livechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *slog.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("[nats] disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("[nats] reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("[nats] connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// QueueSubscribe is Subscribe with a queue group, so each message is handled
// by only one member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s/%s: %w", subject, queue, err)
	}

	c.mu.Lock()
	c.subs[subject+"#"+queue] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessageStored announces a persisted message to downstream workers.
func (c *NATSClient) PublishMessageStored(data []byte) error {
	return c.Publish(SubjectMessageStored, data)
}

// SubscribeMessageStored consumes persisted messages as a member of the
// moderators queue group.
func (c *NATSClient) SubscribeMessageStored(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMessageStored, QueueModerators, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishPresence publishes a presence transition to presence.online or
// presence.offline.
func (c *NATSClient) PublishPresence(online bool, data []byte) error {
	if online {
		return c.Publish(SubjectPresenceOnline, data)
	}
	return c.Publish(SubjectPresenceOffline, data)
}

// PublishModerationResult publishes a moderation result. The banned user is
// named in the payload only; user ids are free text and may contain subject
// tokens.
func (c *NATSClient) PublishModerationResult(data []byte) error {
	return c.Publish(SubjectModerationResult, data)
}

// SubscribeModerationResults subscribes to moderation results for every user.
func (c *NATSClient) SubscribeModerationResults(handler func(data []byte)) error {
	return c.Subscribe(SubjectModerationResult, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("[nats] drain failed", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("[nats] connection drain failed", "err", err)
	}

	c.log.Info("[nats] client closed")
}
