package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/ffyaml"
	"github.com/zombor/iap-receipts/internal/purchase"
	"github.com/zombor/iap-receipts/internal/receipt"
	"github.com/zombor/iap-receipts/internal/reporting"
	"github.com/zombor/iap-receipts/internal/upload"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("iap-receipts")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "iap-receipts.db", "Database file path")
		cloudType      = fs.StringLong("cloud", "none", "Cloud store: 'none', 'dir' or 'dynamo'")
		cloudDir       = fs.StringLong("cloud-dir", "./cloud", "Synced directory used by --cloud=dir")
		dynamoTable    = fs.StringLong("dynamo-table", "iap-receipts", "DynamoDB table used by --cloud=dynamo")
		dynamoRegion   = fs.StringLong("dynamo-region", "us-east-1", "DynamoDB region")
		dynamoEndpoint = fs.StringLong("dynamo-endpoint", "", "DynamoDB endpoint override (optional)")
		dynamoOwner    = fs.StringLong("dynamo-owner", "", "Key prefix separating installations in one table (optional)")
		cloudSync      = fs.BoolLong("cloud-sync", "Copy receipts to the cloud store on every maintenance pass")
		uploadURL      = fs.StringLong("upload-url", "", "Backend URL receiving pending receipts (optional)")
		uploadToken    = fs.StringLong("upload-token", "", "Bearer token for the upload backend (optional)")
		interval       = fs.DurationLong("interval", time.Minute, "Maintenance interval")
		retention      = fs.DurationLong("retention", 0, "Remove receipts whose original purchase is older than this (0 keeps all)")
		sharedSecret   = fs.StringLong("apple-shared-secret", "", "App Store shared secret, enables purchase verification (optional)")
		sentryDSN      = fs.StringLong("sentry-dsn", "", "Sentry DSN for error reporting (optional)")
		environment    = fs.StringLong("environment", "development", "Environment name reported to Sentry")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		_              = fs.StringLong("config", "", "YAML config file (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("IAP_RECEIPTS"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parse),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	reporter, err := reporting.NewSentry(*sentryDSN, *environment, version)
	if err != nil {
		slog.Error("Failed to initialize error reporting", "error", err)
		os.Exit(1)
	}
	defer reporter.Flush(2 * time.Second)

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize cloud store based on type
	var cloud receipt.Backend
	switch *cloudType {
	case "none":
	case "dir":
		slog.Info("Initializing cloud directory...", "path", *cloudDir)
		cloud, err = receipt.NewFileBackend(*cloudDir)
		if err != nil {
			slog.Error("Failed to initialize cloud directory", "error", err)
			os.Exit(1)
		}
	case "dynamo":
		slog.Info("Initializing DynamoDB cloud store...", "table", *dynamoTable, "region", *dynamoRegion)
		cloud, err = receipt.NewDynamoBackend(receipt.DynamoConfig{
			Region:   *dynamoRegion,
			Endpoint: *dynamoEndpoint,
			Table:    *dynamoTable,
			Owner:    *dynamoOwner,
		})
		if err != nil {
			slog.Error("Failed to initialize DynamoDB", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid cloud type", "type", *cloudType, "valid", "none, dir or dynamo")
		os.Exit(1)
	}

	store := receipt.NewStoreWithDeps(db, cloud, nil, reporter)
	slog.Info("Loaded receipts", "count", len(store.All()), "pending", len(store.NotUploadedYet()))

	var verifier receipt.PurchaseVerifier
	if *sharedSecret != "" {
		verifier = purchase.NewAppStore(*sharedSecret)
	}

	var uploader *upload.Uploader
	if *uploadURL != "" {
		uploader = upload.NewUploader(store, upload.Config{
			URL:   *uploadURL,
			Token: *uploadToken,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := upload.NewWorker(uploader, store, upload.WorkerConfig{
		Interval:  *interval,
		Retention: *retention,
		CloudSync: *cloudSync && cloud != nil,
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Initialize server
	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(store, verifier, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	<-ctx.Done()
	slog.Info("Shutting down...")

	// The database is closed on return; let an in-flight run finish first
	wg.Wait()
}
