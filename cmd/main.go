package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grid-distributor/api"
	"grid-distributor/config"
	"grid-distributor/distributor"
	"grid-distributor/events"
	epubsub "grid-distributor/events/pubsub"
	"grid-distributor/grid"
	"grid-distributor/node"
	"grid-distributor/queue"
	"grid-distributor/registry"
	"grid-distributor/retry"
	"grid-distributor/selector"
	"grid-distributor/storage"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

var version = "source"

func setLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("GRID_LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

type eventTransport struct {
	publisher  events.Publisher
	subscriber events.Subscriber
	close      func()
}

func newEventTransport(cfg *config.Config) eventTransport {
	if cfg.EventBus != config.EventBusPubsub {
		bus := events.NewBus()
		return eventTransport{publisher: bus, subscriber: bus, close: func() {}}
	}

	if cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or GRID_PUBSUB_PROJECT_ID")
	}
	if cfg.NodeEventsSubscription == "" {
		log.Fatal().Msg("missing Pub/Sub subscription; set GRID_NODE_EVENTS_SUBSCRIPTION")
	}
	if cfg.NodeEventsTopic == "" {
		log.Fatal().Msg("missing Pub/Sub topic; set GRID_NODE_EVENTS_TOPIC")
	}
	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (ambient)")
	}
	pub := epubsub.NewPublisher(cfg.GoogleProjectID, cfg.NodeEventsTopic, cfg.CredentialsFile)
	sub := epubsub.NewSubscriber(cfg.GoogleProjectID, cfg.NodeEventsSubscription, cfg.CredentialsFile)
	return eventTransport{
		publisher:  pub,
		subscriber: sub,
		close: func() {
			if err := pub.Close(); err != nil {
				log.Warn().Err(err).Msg("pubsub publisher close failed")
			}
			if err := sub.Close(); err != nil {
				log.Warn().Err(err).Msg("pubsub subscriber close failed")
			}
		},
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env")
	}
	setLogger()
	log.Info().Msgf("Starting grid-distributor version: %s", version)

	cfg := config.Load()
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	nodes := node.NewClient(nil)

	reg := registry.New(registry.Options{Clock: clk, Store: storage.NewMemory[grid.NodeStatus]()})
	monitor := registry.NewMonitor(reg, registry.MonitorOptions{
		Interval:  cfg.HeartbeatPeriod,
		Grace:     cfg.HeartbeatGrace,
		MaxMissed: cfg.MaxMissed,
		Probe:     nodes.Probe,
		Clock:     clk,
	})
	q := queue.New(queue.Options{
		RequestTimeout: cfg.RequestTimeout,
		RetryInterval:  cfg.RetryInterval,
		Clock:          clk,
		Store:          storage.NewMemory[grid.SessionRequest](),
	})

	sel, err := selector.New(cfg.SlotSelector)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid GRID_SLOT_SELECTOR")
	}

	dist, err := distributor.New(distributor.Options{
		Registry:  reg,
		Queue:     q,
		Selector:  sel,
		Delegator: nodes,
		Retry: retry.Policy{
			Initial: cfg.RetryInterval,
			Max:     cfg.RetryMaxInterval,
			Factor:  cfg.RetryFactor,
		},
		Clock:             clk,
		Workers:           cfg.Workers,
		MaxInFlight:       cfg.MaxInFlight,
		DelegationTimeout: cfg.DelegationTimeout,
		PollInterval:      cfg.RetryInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("distributor setup failed")
	}

	transport := newEventTransport(cfg)
	defer transport.close()

	router := api.NewRouter(api.NewHandler(api.Options{
		Sessions: dist,
		Registry: reg,
		Queue:    q,
		Events:   transport.publisher,
		Clock:    clk,
	}))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("eventBus", cfg.EventBus).Msg("starting node event subscriber")
		return transport.subscriber.Start(gctx, dist.HandleNodeEvent)
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		q.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return dist.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		// pending requests fail with queue-closed
		q.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server graceful shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("grid-distributor exited with error")
		transport.close()
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
