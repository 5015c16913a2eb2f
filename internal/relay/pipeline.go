package relay

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-relay/internal/ingest"
)

// applyTimeout bounds the store writes for a single inbound message.
const applyTimeout = 5 * time.Second

// Source delivers inbound broker messages. *mqtt.Manager satisfies it.
type Source interface {
	Messages() <-chan mqtt.Message
}

// Applier reconciles decoded events. *reconcile.Reconciler satisfies it.
type Applier interface {
	ApplyStatus(ctx context.Context, serial string, parsed any, display ingest.Display) error
	ApplyLiveness(ctx context.Context, serial string, online bool) error
}

// Metrics receives inbound counters. *metrics.Metrics satisfies it.
type Metrics interface {
	InboundMessage(kind string)
	DecodeFallback()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics reports inbound traffic to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline consumes the broker's message channel.
type Pipeline struct {
	source  Source
	applier Applier
	log     *logging.Logger
	metrics Metrics
}

// New creates a Pipeline.
func New(source Source, applier Applier, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:  source,
		applier: applier,
		log:     logging.Discard(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run handles messages until ctx is cancelled or the source channel closes.
// It returns nil when the channel closes and ctx.Err() on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	messages := p.source.Messages()
	p.log.Info("relay pipeline started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("relay pipeline stopped", "reason", ctx.Err())
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				p.log.Info("relay pipeline stopped", "reason", "source closed")
				return nil
			}
			p.Handle(ctx, msg)
		}
	}
}

// Handle processes one message. Failures are logged; nothing is returned
// because a bad message must not stop the pipeline.
func (p *Pipeline) Handle(ctx context.Context, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic handling inbound message", "topic", msg.Topic, "panic", r)
		}
	}()

	ev, err := ingest.Decode(msg.Topic, msg.Payload)
	if errors.Is(err, ingest.ErrUnknownTopic) {
		p.log.Debug("ignoring message on unrecognised topic", "topic", msg.Topic)
		return
	}
	p.metrics.InboundMessage(ev.Kind.String())

	var decodeErr *ingest.DecodeError
	if errors.As(err, &decodeErr) {
		p.metrics.DecodeFallback()
		p.log.Warn("status payload is not JSON, forwarding raw text", "serial", ev.Serial, "error", decodeErr.Err)
	}

	ctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	switch ev.Kind {
	case ingest.KindStatus:
		err = p.applier.ApplyStatus(ctx, ev.Serial, ev.Parsed, ingest.Summarize(ev.Parsed))
	case ingest.KindLiveness:
		err = p.applier.ApplyLiveness(ctx, ev.Serial, ev.Online)
	}
	if err != nil {
		// Already logged and counted by the applier; keep a trace of the topic.
		p.log.Debug("inbound event not persisted", "topic", msg.Topic, "error", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) InboundMessage(string) {}
func (nopMetrics) DecodeFallback()       {}
