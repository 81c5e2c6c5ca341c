// Package notify forwards bus notifications to external subscribers over
// NATS. The bridge is optional: without a configured URL the daemon runs
// with in-process notifications only.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mirageops/mirage/internal/bus"
	"github.com/mirageops/mirage/internal/config"
)

// Envelope is the JSON wire format for one forwarded notification.
type Envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
}

// Conn is the slice of the NATS connection the bridge uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

// Bridge subscribes to the in-process bus and republishes every message to
// <prefix>.<type>. Publish failures are logged and dropped; the bus side
// never blocks on the broker.
type Bridge struct {
	conn    Conn
	prefix  string
	log     *zap.Logger
	unsub   func()
	done    chan struct{}
	closeFn func()
}

// subject builds the NATS subject for a bus message type.
func subject(prefix string, t bus.Type) string {
	return prefix + "." + string(t)
}

// encode marshals a bus message into its wire envelope.
func encode(msg bus.Message) ([]byte, error) {
	return json.Marshal(Envelope{
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		Type:      string(msg.Type),
		Payload:   msg.Payload,
	})
}

// NewBridge connects to NATS and starts forwarding. Returns (nil, nil) when
// no URL is configured.
func NewBridge(cfg config.NATSConfig, b *bus.Bus, logger *zap.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("mirage-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	bridge := newBridge(nc, cfg.SubjectPrefix, b, logger)
	bridge.closeFn = nc.Close
	return bridge, nil
}

// newBridge wires the forwarding loop over any Conn, separated from the
// connect step for tests.
func newBridge(conn Conn, prefix string, b *bus.Bus, logger *zap.Logger) *Bridge {
	ch, unsub := b.Subscribe()
	bridge := &Bridge{
		conn:   conn,
		prefix: prefix,
		log:    logger.Named("notify"),
		unsub:  unsub,
		done:   make(chan struct{}),
	}
	go bridge.forward(ch)
	return bridge
}

func (br *Bridge) forward(ch <-chan bus.Message) {
	defer close(br.done)
	for msg := range ch {
		data, err := encode(msg)
		if err != nil {
			br.log.Warn("Failed to encode notification", zap.Error(err))
			continue
		}
		natsMsg := &nats.Msg{
			Subject: subject(br.prefix, msg.Type),
			Data:    data,
			Header: nats.Header{
				"Mirage-Id":   []string{msg.ID},
				"Mirage-Type": []string{string(msg.Type)},
			},
		}
		if err := br.conn.PublishMsg(natsMsg); err != nil {
			br.log.Warn("Failed to publish notification",
				zap.String("subject", natsMsg.Subject), zap.Error(err))
		}
	}
}

// Close detaches from the bus, drains in-flight publishes, and closes the
// connection.
func (br *Bridge) Close() {
	br.unsub()
	<-br.done
	if err := br.conn.Drain(); err != nil {
		br.log.Warn("Failed to drain NATS connection", zap.Error(err))
	}
	if br.closeFn != nil {
		br.closeFn()
	}
}
