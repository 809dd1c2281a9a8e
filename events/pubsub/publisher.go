package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"grid-distributor/events"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Publisher sends node events to a Pub/Sub topic.
type Publisher struct {
	projectID string
	topicName string
	credsFile string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
}

func NewPublisher(projectID, topicName, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, topicName: topicName, credsFile: credsFile}
}

func (p *Publisher) init(ctx context.Context) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		return p.topic, nil
	}
	client, err := newClient(ctx, p.projectID, p.credsFile, "topic", p.topicName)
	if err != nil {
		return nil, err
	}
	p.client = client
	p.topic = client.Topic(p.topicName)
	log.Info().Str("topic", p.topicName).Msg("pubsub publisher initialized")
	return p.topic, nil
}

func (p *Publisher) PublishNodeEvent(ctx context.Context, ev *events.NodeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	topic, err := p.init(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("nodeId", string(ev.NodeID)).Msg("failed to marshal node event")
		return err
	}
	// Publish and wait for server ack
	r := topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"type": string(ev.Type), "nodeId": string(ev.NodeID)},
	})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("nodeId", string(ev.NodeID)).Msg("failed to publish node event")
		return err
	}
	log.Debug().Str("messageID", id).Str("nodeId", string(ev.NodeID)).Str("type", string(ev.Type)).Msg("published node event")
	return nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
