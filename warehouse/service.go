// Package warehouse wires configuration, the broker, persistence and the HTTP
// surface into the runnable warehouse service.
package warehouse

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/next-trace/scg-warehouse/adapters/inmemory"
	"github.com/next-trace/scg-warehouse/adapters/kafka"
	"github.com/next-trace/scg-warehouse/adapters/nats"
	"github.com/next-trace/scg-warehouse/adapters/rabbitmq"
	"github.com/next-trace/scg-warehouse/catalog"
	"github.com/next-trace/scg-warehouse/config"
	cbroker "github.com/next-trace/scg-warehouse/contract/broker"
	"github.com/next-trace/scg-warehouse/events"
	"github.com/next-trace/scg-warehouse/messaging"
	"github.com/next-trace/scg-warehouse/microservice"
	"github.com/next-trace/scg-warehouse/persistence"
	"github.com/next-trace/scg-warehouse/startup"
)

const (
	// UserActivityProducerKey is the registry entry holding the user-activity producer.
	UserActivityProducerKey = "user-activity-producer-channel"
	// OrdersQueue is the durable queue bound to every order exchange.
	OrdersQueue = "queue:warehouse:orders"
)

// Database is the persistence lifecycle the service drives.
type Database interface {
	persistence.Provider
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()
}

type pgDatabase struct {
	*persistence.DB
	logger *zap.Logger
}

func (d pgDatabase) Init(ctx context.Context) error { return persistence.Init(ctx, d.DB, d.logger) }

// Options overrides collaborators. Zero values select the production ones.
type Options struct {
	Logger    *zap.Logger
	Dialers   []cbroker.Dialer
	Database  Database
	Inventory events.Inventory
	Store     catalog.Store
	Metrics   *prometheus.Registry
	// Exit replaces os.Exit on fatal startup failure.
	Exit func(code int)
}

// Service is the warehouse process.
type Service struct {
	cfg     *config.Config
	logger  *zap.Logger
	http    *microservice.Service
	broker  *messaging.Manager
	db      Database
	events  *events.Handler
	metrics *messaging.Metrics
	exit    func(code int)
}

// New assembles the service. Nothing is connected until Start.
func New(cfg *config.Config, opts Options) (*Service, error) {
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	dialers := opts.Dialers
	if len(dialers) == 0 {
		dialers = []cbroker.Dialer{
			rabbitmq.Dialer{Logger: lg},
			nats.Dialer{Logger: lg},
			kafka.Dialer{Logger: lg},
			inmemory.Dialer{Broker: inmemory.NewBroker(), Logger: lg},
		}
	}

	db := opts.Database
	if db == nil {
		pdb, err := persistence.New(persistence.Config{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, err
		}

		db = pgDatabase{DB: pdb, logger: lg}
	}

	inv := opts.Inventory
	if inv == nil {
		inv = &events.PgInventory{DB: db}
	}

	store := opts.Store
	if store == nil {
		store = &catalog.PgStore{DB: db}
	}

	s := &Service{
		cfg:     cfg,
		logger:  lg,
		broker:  messaging.NewManager(lg, dialers...),
		db:      db,
		events:  events.NewHandler(inv, events.WithLogger(lg)),
		metrics: messaging.NewMetrics(reg),
		exit:    opts.Exit,
	}

	s.http = microservice.New(microservice.Options{
		ServiceName: cfg.ServiceName,
		Production:  cfg.Production,
		APIKey:      cfg.Server.APIKey,
		Port:        cfg.Server.Port,
		JSONLimit:   cfg.Server.JSONLimitBytes,
		Logger:      lg,
		Gatherer:    reg,
		OnReady:     []microservice.Hook{s.db.Migrate},
		OnExit:      []microservice.Hook{s.closeBroker, s.closeDatabase},
	})

	products := &catalog.Handlers{Store: store, Logger: lg, ProducerKey: UserActivityProducerKey}
	products.Register(s.http)

	return s, nil
}

// HTTP returns the HTTP service.
func (s *Service) HTTP() *microservice.Service { return s.http }

// Start connects the broker and the database concurrently and serves once both
// are up. Any startup failure terminates the process with exit code 1.
func (s *Service) Start(ctx context.Context) error {
	opts := []startup.Option{startup.WithLogger(s.logger), startup.WithGrace(s.cfg.Shutdown.Grace)}
	if s.exit != nil {
		opts = append(opts, startup.WithExit(s.exit))
	}

	c := startup.NewCoordinator(s.http.Listen, opts...)
	c.OnFailure(s.broker.Close)
	c.OnFailure(func() error { s.db.Close(); return nil })

	return c.Run(ctx,
		startup.Task{Name: "broker", Run: s.InitBroker},
		startup.Task{Name: "persistence", Run: s.db.Init},
	)
}

// InitBroker opens the broker connection, then sets up the order and
// user-activity channels on it concurrently.
func (s *Service) InitBroker(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.AMQP.ConnectionTimeout)
	defer cancel()

	conn, err := s.broker.Connect(connectCtx, cbroker.ConnectConfig{
		URL:     s.cfg.AMQP.Connection,
		Name:    s.cfg.ServiceName,
		Timeout: s.cfg.AMQP.ConnectionTimeout,
	})
	if err != nil {
		return err
	}

	return startup.All(ctx,
		startup.Task{Name: "orders broker", Run: func(ctx context.Context) error { return s.initOrderBroker(ctx, conn) }},
		startup.Task{Name: "user activity broker", Run: func(ctx context.Context) error { return s.initUserActivityBroker(ctx, conn) }},
	)
}

func (s *Service) initOrderBroker(ctx context.Context, conn cbroker.Connection) error {
	topics, err := messaging.SplitTopics(s.cfg.AMQP.OrderExchanges)
	if err != nil {
		return fmt.Errorf("amqp.orderExchanges: %w", err)
	}

	producer, err := messaging.StartProducer(ctx, conn, topics, s.logger)
	if err != nil {
		return err
	}

	return messaging.StartConsumer(ctx, conn, cbroker.ConsumerOptions{
		Topics:        topics,
		Queue:         OrdersQueue,
		Handler:       messaging.Bind(s.events.HandleEventMessage, producer),
		Prefetch:      s.cfg.AMQP.Prefetch,
		MaxDeliveries: s.cfg.AMQP.MaxDeliveries,
		Observer:      s.metrics.Observe,
	}, s.logger)
}

func (s *Service) initUserActivityBroker(ctx context.Context, conn cbroker.Connection) error {
	topics, err := messaging.SplitTopics(s.cfg.AMQP.UserActivitiesExchanges)
	if err != nil {
		return fmt.Errorf("amqp.userActivitiesExchanges: %w", err)
	}

	producer, err := messaging.StartProducer(ctx, conn, topics, s.logger)
	if err != nil {
		return err
	}

	s.http.Set(UserActivityProducerKey, messaging.WithPropagation(producer, microservice.CorrelationPropagator{}))

	return nil
}

func (s *Service) closeDatabase(context.Context) error {
	s.db.Close()
	return nil
}

func (s *Service) closeBroker(context.Context) error {
	return s.broker.Close()
}
