package natshandler

import (
	"context"
	"encoding/json"

	"leviathan/engine"

	"go.uber.org/zap"
)

// DefaultEventPrefix prefixes every lifecycle event subject.
const DefaultEventPrefix = "leviathan.events"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends engine lifecycle events to NATS.
type Publisher struct {
	nc     Conn
	prefix string
	logger *zap.Logger
}

func NewPublisher(nc Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultEventPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

func (p *Publisher) Publish(_ context.Context, ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.prefix+"."+ev.Type, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// NopPublisher drops events. It stands in when NATS is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, engine.Event) {}
