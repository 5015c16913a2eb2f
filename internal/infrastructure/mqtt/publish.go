package mqtt

import (
	"context"
	"errors"
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends payload to topic and waits for the broker's acknowledgment
// (for QoS 1 and 2), the context, or the publish timeout.
//
// Input errors (ErrInvalidTopic, ErrInvalidQoS) are returned as-is.
// Transport failures are returned as *PublishError whose Err wraps
// ErrNotConnected, ErrPublishFailed or ErrTimeout.
//
// Example:
//
//	topic := mqtt.Topics{}.DeviceCommand("D2")
//	err := manager.Publish(ctx, topic, []byte("REBOOT"), 1)
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	return m.publish(ctx, topic, payload, qos, false)
}

func (m *Manager) publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return &PublishError{
			Topic:  topic,
			Reason: fmt.Sprintf("payload size %d exceeds maximum %d bytes", len(payload), maxPayloadSize),
			Err:    ErrPublishFailed,
		}
	}

	if !m.IsConnected() {
		return &PublishError{Topic: topic, Reason: "not connected", Err: ErrNotConnected}
	}

	err := waitToken(ctx, m.client.Publish(topic, qos, retained, payload), defaultPublishTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout):
		return &PublishError{Topic: topic, Reason: fmt.Sprintf("no acknowledgment after %v", defaultPublishTimeout), Err: ErrTimeout}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &PublishError{Topic: topic, Reason: err.Error(), Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	case !m.IsConnected():
		return &PublishError{Topic: topic, Reason: "link dropped during publish", Err: fmt.Errorf("%w: %w", ErrNotConnected, err)}
	default:
		return &PublishError{Topic: topic, Reason: err.Error(), Err: fmt.Errorf("%w: %w", ErrPublishFailed, err)}
	}
}

// publishPresence publishes the relay's retained online/offline status.
// Failures are logged; presence is advisory.
func (m *Manager) publishPresence(status, reason string) {
	topic := Topics{}.RelayStatus(m.cfg.Broker.ClientID)
	payload := buildStatusPayload(m.cfg.Broker.ClientID, status, reason)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := m.publish(ctx, topic, []byte(payload), byte(m.cfg.QoS), true); err != nil {
		m.log.Warn("presence publish failed", "topic", topic, "status", status, "error", err)
	}
}
