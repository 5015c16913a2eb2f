package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/backoff"
	"github.com/nerrad567/fleet-relay/internal/device"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/config"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/fleet-relay/internal/realtime"
)

// Outcome labels reported to metrics and echoed to viewers.
const (
	OutcomeQueued    = "queued"
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
)

const (
	defaultQoS   = 1
	auditTimeout = 5 * time.Second
)

// Broker publishes to the message broker. *mqtt.Manager satisfies it.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	IsConnected() bool
}

// Echoer forwards command outcomes to viewers. *realtime.Gateway satisfies it.
type Echoer interface {
	BroadcastCommand(env realtime.Envelope)
}

// Metrics receives command outcomes. *metrics.Metrics satisfies it.
type Metrics interface {
	CommandOutcome(outcome string)
	SetQueueDepth(n int)
	PersistenceError(op string)
}

// Ack is the caller-facing result of Send.
type Ack struct {
	Success   bool   `json:"success"`
	Queued    bool   `json:"queued"`
	CommandID string `json:"commandId,omitempty"`

	// Advisory is a *PersistenceError when the audit write failed but the
	// command still went out or was queued.
	Advisory error `json:"-"`
}

// GroupResult is the per-member outcome of SendToGroup.
type GroupResult struct {
	DeviceID string `json:"deviceId"`
	Ack
	Error string `json:"error,omitempty"`
}

// GroupAck is the result of SendToGroup. Success is false when any member failed.
type GroupAck struct {
	GroupID string        `json:"groupId"`
	Success bool          `json:"success"`
	Results []GroupResult `json:"results"`
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithMetrics reports outcomes and queue depth to m.
func WithMetrics(m Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithQoS sets the publish QoS. Commands default to QoS 1.
func WithQoS(qos byte) Option {
	return func(p *Publisher) { p.qos = qos }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithTimer replaces time.After for retry delays.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(p *Publisher) { p.after = after }
}

// Publisher sends commands to devices through the broker.
//
// Thread Safety:
//   - Send and SendToGroup are safe for concurrent use.
//   - Drain is single-flight; overlapping calls return immediately.
type Publisher struct {
	broker  Broker
	devices device.Store
	audit   audit.Store
	echo    Echoer
	retry   config.CommandRetryConfig
	qos     byte

	queue    *queue
	draining atomic.Bool

	log     *logging.Logger
	metrics Metrics
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a Publisher. Register Drain with the connection
// manager's OnConnected so queued commands flush on every reconnect.
func NewPublisher(broker Broker, devices device.Store, logs audit.Store, echo Echoer, cfg config.CommandConfig, opts ...Option) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		broker:  broker,
		devices: devices,
		audit:   logs,
		echo:    echo,
		retry:   cfg.Retry,
		qos:     defaultQoS,
		queue:   newQueue(cfg.Queue),
		log:     logging.Discard(),
		metrics: nopMetrics{},
		now:     time.Now,
		after:   time.After,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewCommandID returns a fresh command id.
func NewCommandID() string {
	return "cmd-" + uuid.NewString()
}

// QueueDepth returns the number of commands waiting for the broker.
func (p *Publisher) QueueDepth() int {
	return p.queue.len()
}

// Send delivers payload to the device identified by serial (or id).
//
// An unknown device returns device.ErrDeviceNotFound and nothing is queued.
// While the broker is down, or commands are already waiting, the command is
// queued and the Ack reports Queued. Otherwise it is published with retry;
// exhausted retries return ErrPublishExhausted.
func (p *Publisher) Send(ctx context.Context, serial string, payload Payload, issuedBy string) (Ack, error) {
	d, err := p.devices.FindDevice(ctx, serial)
	if err != nil {
		return Ack{}, fmt.Errorf("resolving device %s: %w", serial, err)
	}
	if len(payload.Body) == 0 {
		return Ack{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	item := &QueuedPublish{
		Command: Command{
			ID:       NewCommandID(),
			DeviceID: d.ID,
			Serial:   d.Serial,
			Payload:  payload,
			IssuedBy: issuedBy,
		},
		Topic:      mqtt.Topics{}.DeviceCommand(d.Serial),
		Body:       payload.Body,
		EnqueuedAt: p.now().UTC(),
	}
	ack := Ack{CommandID: item.Command.ID, Advisory: p.record(ctx, item)}

	// Keep FIFO: anything already waiting goes out first.
	if !p.broker.IsConnected() || p.queue.len() > 0 {
		return p.enqueue(item, ack)
	}

	err = p.publishWithRetry(ctx, item)
	switch {
	case err == nil:
		p.finalize(item, audit.CommandPublished, "", OutcomePublished)
		ack.Success = true
		return ack, nil
	case errors.Is(err, mqtt.ErrNotConnected):
		p.log.Info("link dropped during publish, queueing command",
			"command_id", item.Command.ID, "serial", item.Command.Serial, "attempts", item.Attempts)
		return p.enqueue(item, ack)
	default:
		p.finalize(item, audit.CommandFailed, err.Error(), OutcomeFailed)
		return ack, err
	}
}

// SendToGroup sends payload to every member of the group.
// An unknown group returns device.ErrGroupNotFound. Per-member failures
// are reported in the GroupAck, not as an error.
func (p *Publisher) SendToGroup(ctx context.Context, groupID string, payload Payload, issuedBy string) (GroupAck, error) {
	members, err := p.devices.ListGroupDevices(ctx, groupID)
	if err != nil {
		return GroupAck{}, fmt.Errorf("resolving group %s: %w", groupID, err)
	}

	result := GroupAck{GroupID: groupID, Success: true, Results: make([]GroupResult, 0, len(members))}
	for _, d := range members {
		ack, err := p.Send(ctx, d.Serial, payload, issuedBy)
		r := GroupResult{DeviceID: d.Serial, Ack: ack}
		if err != nil {
			r.Error = err.Error()
			result.Success = false
		}
		result.Results = append(result.Results, r)
	}
	p.log.Info("group command sent", "group_id", groupID, "members", len(members), "success", result.Success)
	return result, nil
}

// Drain publishes queued commands in FIFO order through the retry path.
//
// If the link drops mid-drain the current entry goes back to the head and
// the rest stay queued for the next reconnect.
func (p *Publisher) Drain() {
	for p.draining.CompareAndSwap(false, true) {
		p.drainQueue()
		p.draining.Store(false)

		// A command enqueued between the last pop and the flag reset would
		// otherwise wait for the next reconnect.
		if p.queue.len() == 0 || !p.broker.IsConnected() || p.ctx.Err() != nil {
			return
		}
	}
}

func (p *Publisher) drainQueue() {
	for p.broker.IsConnected() {
		item := p.queue.pop()
		if item == nil {
			return
		}

		err := p.publishWithRetry(p.ctx, item)
		if err != nil && (errors.Is(err, mqtt.ErrNotConnected) || p.ctx.Err() != nil) {
			p.queue.requeue(item)
			p.log.Info("drain interrupted, command kept at head of queue",
				"command_id", item.Command.ID, "depth", p.queue.len(), "error", err)
			return
		}

		p.queue.finish(item)
		p.metrics.SetQueueDepth(p.queue.len())
		if err != nil {
			p.finalize(item, audit.CommandFailed, err.Error(), OutcomeFailed)
			continue
		}
		p.finalize(item, audit.CommandPublished, "", OutcomePublished)
	}
}

// Close stops background drains and waits for them to return.
// Queued commands are not persisted.
func (p *Publisher) Close() {
	p.cancel()
	p.wg.Wait()
	if n := p.queue.len(); n > 0 {
		p.log.Warn("publisher closed with commands still queued", "depth", n)
	}
}

func (p *Publisher) enqueue(item *QueuedPublish, ack Ack) (Ack, error) {
	evicted, err := p.queue.push(item)
	if err != nil {
		p.log.Warn("command queue full, rejecting newest",
			"command_id", item.Command.ID, "serial", item.Command.Serial, "max_depth", p.queue.max)
		p.finalize(item, audit.CommandFailed, err.Error(), OutcomeRejected)
		return ack, err
	}
	if evicted != nil {
		p.log.Warn("command queue full, dropped oldest",
			"dropped_id", evicted.Command.ID, "dropped_serial", evicted.Command.Serial, "max_depth", p.queue.max)
		p.finalize(evicted, audit.CommandDropped, "evicted from full queue", OutcomeDropped)
	}

	depth := p.queue.len()
	p.metrics.SetQueueDepth(depth)
	p.metrics.CommandOutcome(OutcomeQueued)
	p.emit(item, OutcomeQueued, item.recorded)
	p.log.Info("command queued", "command_id", item.Command.ID, "serial", item.Command.Serial, "depth", depth)

	if p.broker.IsConnected() {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.Drain()
		}()
	}

	ack.Success, ack.Queued = true, true
	return ack, nil
}

// publishWithRetry publishes item until the broker acknowledges it, the
// attempt or elapsed-time budget runs out, or the link drops. A dropped
// link is returned as an error wrapping mqtt.ErrNotConnected.
func (p *Publisher) publishWithRetry(ctx context.Context, item *QueuedPublish) error {
	seq := backoff.NewSequence(backoff.Policy{Base: p.retry.BaseDelay, Max: p.retry.MaxDelay})
	start := p.now()

	attempt := 0
	var lastErr error
	for {
		attempt++
		item.Attempts++
		err := p.broker.Publish(ctx, item.Topic, item.Body, p.qos)
		if err == nil {
			p.log.Debug("command published", "command_id", item.Command.ID, "topic", item.Topic, "attempt", attempt)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var pubErr *mqtt.PublishError
		if !errors.As(err, &pubErr) {
			// Input errors never succeed on retry.
			return fmt.Errorf("%w: %w", ErrPublishExhausted, err)
		}
		if pubErr.Disconnected() {
			return err
		}

		lastErr = err
		if p.retry.MaxAttempts > 0 && attempt >= p.retry.MaxAttempts {
			break
		}
		delay := seq.Next()
		if p.retry.MaxElapsed > 0 && p.now().Sub(start)+delay > p.retry.MaxElapsed {
			break
		}

		p.log.Warn("command publish failed, retrying",
			"command_id", item.Command.ID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.after(delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrPublishExhausted, attempt, lastErr)
}

// record writes the SENT command record and the COMMAND device log entry.
func (p *Publisher) record(ctx context.Context, item *QueuedPublish) error {
	cmd := item.Command
	var errs []error

	err := p.audit.CreateCommand(ctx, &audit.CommandRecord{
		ID:        cmd.ID,
		DeviceID:  cmd.DeviceID,
		Topic:     item.Topic,
		Label:     cmd.Payload.Label,
		Payload:   string(item.Body),
		Status:    audit.CommandSent,
		IssuedBy:  cmd.IssuedBy,
		CreatedAt: item.EnqueuedAt,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("writing command record: %w", err))
	} else {
		item.recorded = true
	}

	err = p.audit.CreateLog(ctx, &audit.Log{
		DeviceID:  cmd.DeviceID,
		EventType: audit.EventCommand,
		Command:   cmd.Payload.Label,
		Payload:   string(item.Body),
		UserID:    cmd.IssuedBy,
		CreatedAt: item.EnqueuedAt,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("writing device log: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}
	p.metrics.PersistenceError("command")
	p.log.Error("command audit write failed, sending anyway", "command_id", cmd.ID, "serial", cmd.Serial, "error", errors.Join(errs...))
	return &PersistenceError{CommandID: cmd.ID, Op: "audit", Err: errors.Join(errs...)}
}

// finalize records a terminal status and echoes the outcome.
func (p *Publisher) finalize(item *QueuedPublish, status audit.CommandStatus, lastErr, outcome string) {
	persisted := item.recorded
	if item.recorded {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		err := p.audit.UpdateCommandStatus(ctx, item.Command.ID, audit.StatusUpdate{
			Status:    status,
			Attempts:  item.Attempts,
			LastError: lastErr,
		})
		cancel()
		if err != nil {
			persisted = false
			p.metrics.PersistenceError("command_status")
			p.log.Error("command status update failed", "command_id", item.Command.ID, "status", status, "error", err)
		}
	}

	p.metrics.CommandOutcome(outcome)
	p.emit(item, outcome, persisted)
	if status == audit.CommandFailed {
		p.log.Warn("command failed", "command_id", item.Command.ID, "serial", item.Command.Serial,
			"attempts", item.Attempts, "error", lastErr)
	}
}

func (p *Publisher) emit(item *QueuedPublish, outcome string, persisted bool) {
	p.echo.BroadcastCommand(realtime.Envelope{
		DeviceID:  item.Command.Serial,
		Message:   fmt.Sprintf("Command %s %s", item.Command.Payload.Label, outcome),
		Payload:   item.Command.Payload.Value(),
		UserID:    item.Command.IssuedBy,
		Persisted: persisted,
		CreatedAt: p.now().UTC(),
	})
}

type nopMetrics struct{}

func (nopMetrics) CommandOutcome(string)   {}
func (nopMetrics) SetQueueDepth(int)       {}
func (nopMetrics) PersistenceError(string) {}
