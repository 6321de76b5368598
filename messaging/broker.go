// Package messaging is the device-local event broker. The push
// transport (out of scope here) publishes inbound signals into it; the
// agent subscribes and relays them to the content bridge. The broker is
// the seam between transport plumbing and session logic.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"golang.org/x/sync/errgroup"

	"github.com/sidusio/homecall/bridge"
)

const eventsTopic = "homecall.device.events"

type pubSub interface {
	message.Publisher
	message.Subscriber
}

// NewBroker creates a device-local event broker.
func NewBroker(logger *slog.Logger) (*Broker, error) {
	wLogger := watermill.NewSlogLogger(logger.With("library", "watermill"))

	baseChannel := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            0,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, wLogger)

	eventBroadcaster, err := gochannel.NewFanOut(baseChannel, wLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event broadcaster: %w", err)
	}
	eventBroadcaster.AddSubscription(eventsTopic)

	return &Broker{
		baseChannel:      baseChannel,
		eventBroadcaster: eventBroadcaster,
		started:          make(chan struct{}),
	}, nil
}

type Broker struct {
	baseChannel      pubSub
	eventBroadcaster *gochannel.FanOut
	started          chan struct{}
}

func (b *Broker) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := b.eventBroadcaster.Run(ctx)
		if err != nil {
			return fmt.Errorf("failed to run event broadcaster: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-b.eventBroadcaster.Running()
		close(b.started)
		return nil
	})

	err := eg.Wait()
	if err != nil {
		return fmt.Errorf("broker exited: %w", err)
	}
	return nil
}

func (b *Broker) Close() error {
	err := b.eventBroadcaster.Close()
	if err != nil {
		return fmt.Errorf("failed to close event broadcaster: %w", err)
	}

	err = b.baseChannel.Close()
	if err != nil {
		return fmt.Errorf("failed to close base channel: %w", err)
	}

	return nil
}

// Started is closed once the broadcaster is running and publishes will
// be fanned out.
func (b *Broker) Started() <-chan struct{} {
	return b.started
}

// PublishEvent publishes an inbound session event.
func (b *Broker) PublishEvent(event bridge.SessionEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}

	return b.baseChannel.Publish(eventsTopic, message.NewMessage(watermill.NewULID(), eventBytes))
}

// SubscribeEvents delivers session events to handler until ctx is
// cancelled or handler returns an error.
func (b *Broker) SubscribeEvents(ctx context.Context, handler func(bridge.SessionEvent) error) error {
	messages, err := b.eventBroadcaster.Subscribe(ctx, eventsTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}

	for msg := range messages {
		var event bridge.SessionEvent
		err := json.Unmarshal(msg.Payload, &event)
		if err != nil {
			msg.Nack()
			return fmt.Errorf("failed to unmarshal session event: %w", err)
		}

		err = handler(event)
		if err != nil {
			msg.Nack()
			return fmt.Errorf("failed to handle session event: %w", err)
		}
		msg.Ack()
	}
	return nil
}
