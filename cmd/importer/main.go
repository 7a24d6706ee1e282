package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"finlink/internal/domain/linking"
	"finlink/internal/infrastructure/amqp"
	"finlink/internal/infrastructure/crypto"
	"finlink/internal/infrastructure/firebase"
	"finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/config"
	"finlink/internal/shared/messages"
	"finlink/internal/shared/telemetry"
)

// importTimeout bounds one account import.
const importTimeout = 2 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatalf("Importer error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.AMQP.Enabled() {
		return errors.New("AMQP_URL is required to run the importer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName + "-importer",
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		})
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.DefaultPool)
	if err != nil {
		return err
	}
	defer db.Close()

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return err
	}
	msgs, err := messages.Load(cfg.Linking.MessagesFile)
	if err != nil {
		return err
	}

	deps := scheduler.ImportDeps{
		Importer: openfinance.NewClient(cfg.OpenFinance.BaseURL, cfg.OpenFinance.Token, cfg.OpenFinance.Timeout),
		Links:    postgres.NewLinkRepository(db, encryptor),
		Message:  msgs.ImportCompleted,
	}
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, cfg.Firebase.TopicPrefix)
		if err != nil {
			log.Printf("Warning: Failed to initialize Firebase: %v", err)
		} else {
			deps.Pusher = fcm
		}
	}

	log.Printf("Importer consuming from queue %s", cfg.AMQP.Queue)
	err = amqp.ConsumeWithReconnect(ctx, cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue, importHandler(deps))
	if errors.Is(err, context.Canceled) {
		log.Println("Importer stopped")
		return nil
	}
	return err
}

func importHandler(deps scheduler.ImportDeps) amqp.ImportHandler {
	return func(ctx context.Context, req linking.ImportRequest) error {
		ctx, cancel := context.WithTimeout(ctx, importTimeout)
		defer cancel()
		return scheduler.NewImportJob(req, deps).Execute(ctx)
	}
}
