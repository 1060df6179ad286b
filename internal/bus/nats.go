package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds connection settings for the NATS feed.
type NATSConfig struct {
	URL            string
	Name           string
	Token          string
	ConnectTimeout time.Duration
}

// NATS publishes events as JSON on a NATS connection.
type NATS struct {
	conn *nats.Conn
	log  *slog.Logger
	now  func() time.Time
}

var _ Publisher = (*NATS)(nil)

// Connect dials the NATS server described by cfg.
func Connect(cfg NATSConfig, log *slog.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("bus: connect: no NATS url configured")
	}
	if log == nil {
		log = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "narrator"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus: disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("bus: reconnected to NATS", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	log.Info("bus: connected to NATS", "url", conn.ConnectedUrl())
	return &NATS{conn: conn, log: log, now: time.Now}, nil
}

// Publish encodes ev and publishes it on [Subject](ev). Errors are logged.
func (n *NATS) Publish(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = n.now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("bus: encode event", "kind", ev.Kind, "err", err)
		return
	}
	if err := n.conn.Publish(Subject(ev), payload); err != nil {
		n.log.Warn("bus: publish event", "kind", ev.Kind, "guild_id", ev.GuildID, "err", err)
	}
}

// Subscribe delivers every event published under the narrator prefix to fn
// until ctx is cancelled. guildID narrows the subscription to one guild when
// non-empty.
func (n *NATS) Subscribe(ctx context.Context, guildID string, fn func(Event)) error {
	subject := SubjectPrefix + ".>"
	if guildID != "" {
		subject = SubjectPrefix + "." + guildID + ".*"
	}
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			n.log.Debug("bus: skip malformed event", "subject", msg.Subject, "err", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("bus: unsubscribe: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is currently established.
func (n *NATS) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

// Close drains pending publishes and closes the connection.
func (n *NATS) Close() {
	if n == nil || n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.log.Debug("bus: drain", "err", err)
	}
	n.conn.Close()
}
