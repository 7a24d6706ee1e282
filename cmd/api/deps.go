package main

import (
	"context"
	"fmt"
	"log"

	"finlink/internal/domain/account"
	"finlink/internal/domain/linking"
	"finlink/internal/infrastructure/amqp"
	"finlink/internal/infrastructure/cache"
	"finlink/internal/infrastructure/crypto"
	"finlink/internal/infrastructure/firebase"
	"finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/infrastructure/postgres/listener"
	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/auth"
	"finlink/internal/shared/config"
	"finlink/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB       *postgres.DB
	Cache    *cache.QueryCache
	Registry *linking.Registry
	Listener *listener.LinkListener

	// Handlers
	LinkSessionHandler *httphandlers.LinkSessionHandler

	// Auth
	JWT *auth.JWT

	// Import dispatch: the pool runs imports in process unless AMQP is set.
	ImportPool *scheduler.WorkerPool
	AMQP       *amqp.Client

	started bool
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	connStr := cfg.Database.ConnectionString()

	if cfg.Database.RunMigrations {
		if err := postgres.Migrate(connStr); err != nil {
			return nil, err
		}
		log.Println("Database migrations applied")
	}

	pool := postgres.DefaultPool
	pool.MaxOpenConns = cfg.Database.MaxOpenConns
	db, err := postgres.New(connStr, pool)
	if err != nil {
		return nil, err
	}
	log.Println("Connected to database")

	deps := &Dependencies{DB: db, JWT: auth.NewJWT(cfg.JWT.Secret)}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		deps.Close()
		return nil, err
	}

	msgs, err := messages.Load(cfg.Linking.MessagesFile)
	if err != nil {
		deps.Close()
		return nil, err
	}

	// Repositories and backend clients
	links := postgres.NewLinkRepository(db, encryptor)
	deps.Cache = cache.New(cfg.Linking.CacheSize, cfg.Linking.CacheTTL)

	ofClient := openfinance.NewClient(cfg.OpenFinance.BaseURL, cfg.OpenFinance.Token, cfg.OpenFinance.Timeout)
	stream := openfinance.NewStream(cfg.OpenFinance.BaseURL, cfg.OpenFinance.Token)
	accountService := account.NewService(ofClient, deps.Cache)

	// Push notifications are optional
	var pusher scheduler.Pusher
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, cfg.Firebase.TopicPrefix)
		if err != nil {
			log.Printf("Warning: Failed to initialize Firebase: %v", err)
		} else {
			pusher = fcm
		}
	} else {
		log.Println("Firebase is not configured, push notifications disabled")
	}

	var dispatcher importDispatcher
	if cfg.AMQP.Enabled() {
		deps.AMQP, err = amqp.NewClient(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to AMQP: %w", err)
		}
		dispatcher = deps.AMQP
		log.Printf("Account imports go to queue %s", cfg.AMQP.Queue)
	} else {
		deps.ImportPool = scheduler.NewWorkerPool(cfg.Importer.WorkerCount, cfg.Importer.JobDelay, cfg.Importer.QueueSize)
		dispatcher = scheduler.NewImportQueue(deps.ImportPool, scheduler.ImportDeps{
			Importer: ofClient,
			Links:    links,
			Pusher:   pusher,
			Message:  msgs.ImportCompleted,
		})
		log.Printf("Account imports run in process with %d workers", cfg.Importer.WorkerCount)
	}

	hooks := &linkHooks{
		links:     links,
		pusher:    pusher,
		imports:   dispatcher,
		connected: msgs.LinkConnected,
	}

	deps.Registry = linking.NewRegistry(func(feed *linking.Feed) *linking.Workflow {
		return linking.NewWorkflow(linking.Config{
			Connectors:       ofClient,
			Items:            ofClient,
			Accounts:         accountService,
			Stream:           stream,
			Links:            links,
			Cache:            deps.Cache,
			Notifier:         feed,
			Opener:           feed,
			Invalidator:      linking.Invalidators(deps.Cache, feed),
			Messages:         msgs,
			OnSuccess:        hooks.onSuccess,
			OnImportAccounts: hooks.onImportAccounts,
			OnState:          feed.PublishState,
			StreamDelay:      cfg.Linking.StreamDelay,
		})
	}, cfg.Linking.SessionTTL)

	deps.Listener = listener.NewLinkListener(connStr, linkChangeHandler(deps.Cache, deps.Registry))
	deps.LinkSessionHandler = httphandlers.NewLinkSessionHandler(deps.Registry, cfg.OpenFinance.ConnectorType)

	return deps, nil
}

// Start launches the background loops. They stop when ctx is done.
func (d *Dependencies) Start(ctx context.Context, cfg *config.Config) {
	if d.ImportPool != nil {
		d.ImportPool.Start()
	}
	d.Cache.StartCleanup(ctx, cfg.Linking.CacheTTL)
	d.Registry.StartReaper(ctx, cfg.Linking.ReapInterval)
	d.Listener.Start(ctx)
	d.started = true
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Registry != nil {
		d.Registry.CloseAll()
	}
	if d.started {
		d.Listener.Stop()
	}
	if d.AMQP != nil {
		d.AMQP.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
