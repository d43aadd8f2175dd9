package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/common/config"
	"github.com/kandev/agentd/internal/common/logger"
)

const (
	natsReconnectWait   = 2 * time.Second
	natsReconnectBuffer = 5 * 1024 * 1024
	natsDrainTimeout    = 5 * time.Second
)

var _ EventBus = (*NATSEventBus)(nil)

// NATSEventBus carries agent and registry events between agentd processes
// over a NATS connection. Events travel as JSON.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger

	// ctx is handed to subscription handlers and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSEventBus connects to cfg.URL. The connection reconnects on its own
// up to cfg.MaxReconnects times.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithFields(zap.String("component", "nats-bus"))

	conn, err := nats.Connect(cfg.URL, natsOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	ctx, cancel := context.WithCancel(context.Background())
	return &NATSEventBus{conn: conn, logger: log, ctx: ctx, cancel: cancel}, nil
}

func natsOptions(cfg config.NATSConfig, log *logger.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectBufSize(natsReconnectBuffer),
		nats.DrainTimeout(natsDrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed", zap.Error(nc.LastError()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	}
}

// Publish encodes event and sends it on subject. It fails fast when ctx is
// already done.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))
	return nil
}

// Subscribe delivers events matching subject to handler. Handlers run on the
// subscription's own goroutine, one message at a time.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		event := &Event{}
		if err := json.Unmarshal(msg.Data, event); err != nil {
			b.logger.Warn("dropping undecodable message",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(b.ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.logger.Debug("subscribed", zap.String("subject", subject))
	return natsSubscription{sub}, nil
}

// Close starts draining pending messages, after which the connection
// closes, and cancels the context handed to handlers.
func (b *NATSEventBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain failed, closing", zap.Error(err))
		b.conn.Close()
	}
	b.cancel()
}

// IsConnected reports whether the connection is currently up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn.IsConnected()
}

// natsSubscription satisfies Subscription through the embedded
// Unsubscribe and IsValid.
type natsSubscription struct {
	*nats.Subscription
}
