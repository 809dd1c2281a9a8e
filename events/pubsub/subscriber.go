package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"grid-distributor/events"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Subscriber receives node events from a Pub/Sub subscription.
type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

func (s *Subscriber) Start(ctx context.Context, handler events.Handler) error {
	if s.sub == nil {
		client, err := newClient(ctx, s.projectID, s.credsFile, "subscription", s.subscriptionName)
		if err != nil {
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	// Receive blocks until ctx is done
	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		recvAt := time.Now()

		var ev events.NodeEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("failed to unmarshal node event; dropping")
			m.Ack()
			return
		}
		if err := ev.Validate(); err != nil {
			// poison: redelivery cannot fix it
			log.Error().Err(err).Str("messageID", m.ID).Msg("invalid node event; dropping")
			m.Ack()
			return
		}

		if err := handler(ctx, &ev); err != nil {
			log.Error().Err(err).Str("nodeId", string(ev.NodeID)).Msg("node event handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("nodeId", string(ev.NodeID)).Str("type", string(ev.Type)).Dur("latency", time.Since(recvAt)).Msg("node event handled; acking message")
		m.Ack()
	})
}

func (s *Subscriber) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
