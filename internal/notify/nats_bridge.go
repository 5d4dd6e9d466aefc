// Package notify forwards campaign events and operational alerts to
// systems outside the process.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/LeventeLantos/bingo-registry/internal/events"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnects logged through log.
func Connect(url string, log *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("bingo-registry"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// Bridge republishes hub events as JSON on "<prefix>.<event name>".
type Bridge struct {
	pub    Publisher
	prefix string
	log    *zap.Logger
}

func NewBridge(pub Publisher, prefix string, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{pub: pub, prefix: prefix, log: log}
}

func (b *Bridge) Subject(name events.Name) string {
	return b.prefix + "." + string(name)
}

// Run forwards events from sub until ctx is done or sub is closed.
func (b *Bridge) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if err := b.Forward(e); err != nil {
				b.log.Warn("event not forwarded",
					zap.String("event", string(e.Name)),
					zap.Int64("campaign_id", e.CampaignID),
					zap.Error(err))
			}
		}
	}
}

func (b *Bridge) Forward(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.pub.Publish(b.Subject(e.Name), data)
}
