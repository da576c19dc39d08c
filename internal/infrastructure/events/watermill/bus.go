package watermillbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/arkade-os/fedmint/internal/core/domain"
	"github.com/arkade-os/fedmint/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const outputBuffer = 256

type eventBus struct {
	pubsub *gochannel.GoChannel
}

// NewEventBus returns an in-process bus. Events published while nobody is subscribed
// to their topic are dropped.
func NewEventBus() ports.EventBus {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: outputBuffer,
	}, newLogger())
	return &eventBus{pubsub}
}

func (b *eventBus) Publish(_ context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Topic(), err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(event.Topic(), msg)
}

func (b *eventBus) Subscribe(ctx context.Context, topic string) (<-chan domain.Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	events := make(chan domain.Event, outputBuffer)
	go func() {
		defer close(events)
		for msg := range msgs {
			event, err := deserializeEvent(topic, msg.Payload)
			msg.Ack()
			if err != nil {
				log.WithError(err).Warnf("failed to decode %s event", topic)
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (b *eventBus) Close() error {
	return b.pubsub.Close()
}

func deserializeEvent(topic string, buf []byte) (domain.Event, error) {
	switch topic {
	case domain.TopicEpochCommitted:
		return decode[domain.EpochCommitted](buf)
	case domain.TopicSignatureFinalized:
		return decode[domain.SignatureFinalized](buf)
	case domain.TopicInvalidShare:
		return decode[domain.InvalidShareReceived](buf)
	case domain.TopicPegOutTxStateChanged:
		return decode[domain.PegOutTxStateChanged](buf)
	case domain.TopicPreimageDecrypted:
		return decode[domain.PreimageDecrypted](buf)
	case domain.TopicSafetyViolation:
		return decode[domain.SafetyViolation](buf)
	default:
		return nil, fmt.Errorf("unknown topic %s", topic)
	}
}

func decode[E domain.Event](buf []byte) (domain.Event, error) {
	var event E
	if err := json.Unmarshal(buf, &event); err != nil {
		return nil, err
	}
	return event, nil
}

// logger forwards the logs of watermill to logrus.
type logger struct {
	entry *log.Entry
}

func newLogger() watermill.LoggerAdapter {
	return &logger{log.WithField("component", "event_bus")}
}

func (l *logger) Error(msg string, err error, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).WithError(err).Error(msg)
}

func (l *logger) Info(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Debug(msg)
}

func (l *logger) Debug(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Trace(msg)
}

func (l *logger) Trace(msg string, fields watermill.LogFields) {
	l.entry.WithFields(log.Fields(fields)).Trace(msg)
}

func (l *logger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logger{l.entry.WithFields(log.Fields(fields))}
}
