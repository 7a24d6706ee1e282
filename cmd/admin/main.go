package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"finlink/internal/domain/item"
	"finlink/internal/domain/linking"
	"finlink/internal/infrastructure/amqp"
	"finlink/internal/infrastructure/crypto"
	"finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/auth"
	"finlink/internal/shared/config"
	"finlink/internal/shared/messages"
)

const usage = `finlink Admin CLI - Management commands for the finlink API

Usage:
  admin <command> [options]

Commands:
  migrate     Apply pending database migrations
  token       Issue an API token for a company
  links       List the items a company has linked
  reimport    Import the accounts of a linked item again

Examples:
  # Issue a token for local testing
  admin token --company=company-1 --tenant=tenant-1

  # Show a company's links, with the ones needing a relink marked
  admin links --company=company-1

  # Import an item's accounts again through the configured dispatcher
  admin reimport --item=item-1
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		runMigrate()
	case "token":
		runToken(os.Args[2:])
	case "links":
		runLinks(os.Args[2:])
	case "reimport":
		runReimport(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage + "\n")
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage + "\n")
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func connect(cfg *config.Config) (*postgres.DB, *postgres.LinkRepository) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.DefaultPool)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("Connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}
	return db, postgres.NewLinkRepository(db, encryptor)
}

func runMigrate() {
	cfg := loadConfig()
	if err := postgres.Migrate(cfg.Database.ConnectionString()); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Database is up to date")
}

func runToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	companyID := fs.String("company", "", "Company ID carried by the token")
	tenantID := fs.String("tenant", "", "Banking tenant ID, if the company has one")
	subject := fs.String("subject", "admin", "Token subject")

	fs.Usage = func() {
		fmt.Println("Usage: admin token --company=ID [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *companyID == "" {
		fmt.Println("Error: must specify --company")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig()
	token, err := auth.NewJWT(cfg.JWT.Secret).Generate(*subject, *companyID, *tenantID)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}

func runLinks(args []string) {
	fs := flag.NewFlagSet("links", flag.ExitOnError)
	companyID := fs.String("company", "", "Company ID")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *companyID == "" {
		fmt.Println("Error: must specify --company")
		fs.PrintDefaults()
		os.Exit(1)
	}

	cfg := loadConfig()
	db, links := connect(cfg)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	list, err := links.ListLinks(ctx, *companyID)
	if err != nil {
		log.Fatalf("Failed to list links: %v", err)
	}

	fmt.Printf("\n=== Company %s: %d link(s) ===\n", *companyID, len(list))
	for _, l := range list {
		mark := ""
		if l.NeedsResync() {
			mark = "  (needs relink)"
		}
		fmt.Printf("  %-38s %-20s %-12s %s%s\n", l.ItemID, l.ConnectorName, l.Status, l.UpdatedAt.Format(time.RFC3339), mark)
	}
}

func runReimport(args []string) {
	fs := flag.NewFlagSet("reimport", flag.ExitOnError)
	itemID := fs.String("item", "", "Item ID to import again")
	timeoutStr := fs.String("timeout", "2m", "Timeout for the operation (e.g., 30s, 5m)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if strings.TrimSpace(*itemID) == "" {
		fmt.Println("Error: must specify --item")
		fs.PrintDefaults()
		os.Exit(1)
	}

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		log.Fatalf("Invalid timeout format: %v", err)
	}

	cfg := loadConfig()
	db, links := connect(cfg)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	link, err := links.GetLink(ctx, *itemID)
	if err != nil {
		log.Fatalf("Failed to load item %s: %v", *itemID, err)
	}
	req := linking.ImportRequest{
		CompanyID:     link.CompanyID,
		TenantID:      link.TenantID,
		ItemID:        link.ItemID,
		AccountID:     link.AccountID,
		ConnectorName: link.ConnectorName,
		Status:        string(item.StatusConnected),
	}

	if cfg.AMQP.Enabled() {
		client, err := amqp.NewClient(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue)
		if err != nil {
			log.Fatalf("Failed to connect to AMQP: %v", err)
		}
		defer client.Close()
		if err := client.Enqueue(ctx, req); err != nil {
			log.Fatalf("Failed to queue import: %v", err)
		}
		log.Printf("Import of item %s queued", req.ItemID)
		return
	}

	msgs, err := messages.Load(cfg.Linking.MessagesFile)
	if err != nil {
		log.Fatalf("Failed to load messages: %v", err)
	}
	job := scheduler.NewImportJob(req, scheduler.ImportDeps{
		Importer: openfinance.NewClient(cfg.OpenFinance.BaseURL, cfg.OpenFinance.Token, cfg.OpenFinance.Timeout),
		Links:    links,
		Message:  msgs.ImportCompleted,
	})
	if err := job.Execute(ctx); err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	log.Printf("Import of item %s completed", req.ItemID)
}
