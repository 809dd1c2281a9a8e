package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-distributor/events"
	"grid-distributor/grid"
	"grid-distributor/retry"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

// StatusFunc reports the node's current status.
type StatusFunc func() grid.NodeStatus

type AnnouncerOptions struct {
	Publisher events.Publisher
	Status    StatusFunc
	// Interval between heartbeats.
	Interval time.Duration
	// Registration governs retries of the first announcement.
	Registration retry.Policy
	Clock        clock.WithTicker
}

// Announcer registers a node with the distributor, keeps it alive with heartbeats and
// withdraws it on shutdown.
type Announcer struct {
	opts AnnouncerOptions
}

func NewAnnouncer(opts AnnouncerOptions) (*Announcer, error) {
	if opts.Publisher == nil || opts.Status == nil {
		return nil, errors.New("node: announcer needs a publisher and a status source")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Registration.Initial <= 0 {
		opts.Registration = retry.Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, MaxAttempts: 10}
	}
	return &Announcer{opts: opts}, nil
}

// Run blocks until ctx is done. It fails only when the initial registration is
// exhausted.
func (a *Announcer) Run(ctx context.Context) error {
	status := a.opts.Status()
	err := retry.Do(ctx, a.opts.Clock, a.opts.Registration, func(ctx context.Context) error {
		err := a.publishStatus(ctx)
		if err != nil {
			log.Warn().Err(err).Str("nodeId", string(status.NodeID)).Msg("node: registration attempt failed")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("node: registration of %s failed: %w", status.NodeID, err)
	}
	log.Info().Str("nodeId", string(status.NodeID)).Str("uri", status.URI).Msg("node: registered with distributor")

	ticker := a.opts.Clock.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.withdraw(status.NodeID)
			return nil
		case <-ticker.C():
			if err := a.publishStatus(ctx); err != nil {
				log.Warn().Err(err).Str("nodeId", string(status.NodeID)).Msg("node: heartbeat failed")
			}
		}
	}
}

func (a *Announcer) publishStatus(ctx context.Context) error {
	return a.opts.Publisher.PublishNodeEvent(ctx, events.NewStatusEvent(a.opts.Status(), a.opts.Clock.Now()))
}

func (a *Announcer) withdraw(id grid.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.opts.Publisher.PublishNodeEvent(ctx, events.NewRemovedEvent(id, a.opts.Clock.Now())); err != nil {
		log.Warn().Err(err).Str("nodeId", string(id)).Msg("node: failed to withdraw from distributor")
		return
	}
	log.Info().Str("nodeId", string(id)).Msg("node: withdrawn from distributor")
}
