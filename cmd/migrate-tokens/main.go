// Package main encrypts OAuth tokens that were stored before ENCRYPTION_KEY
// was configured.
//
// Rows with encryption_version=0 (plaintext) are rewritten as version 1
// (AES-256-GCM) under the current key.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/chatdeck/crypto"
	"github.com/onnwee/chatdeck/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(encryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	n, err := migrateTokens(ctx, db.NewStore(database, nil), db.NewStore(database, encryptor), *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully", slog.Int("migrated", n), slog.Bool("dry_run", *dryRun))
}

// migrateTokens re-saves every plaintext token through sealed. It returns the
// number of tokens migrated (or that would be, in dry-run mode).
func migrateTokens(ctx context.Context, plain, sealed *db.Store, dryRun bool) (int, error) {
	accounts, err := plain.PlaintextAccounts(ctx)
	if err != nil {
		return 0, err
	}
	if len(accounts) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return 0, nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(accounts)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for _, account := range accounts {
		logger := slog.With(slog.String("account", account))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		tok, err := plain.GetToken(ctx, account)
		if err == nil {
			err = sealed.SaveToken(ctx, tok)
		}
		if err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated token")
		migrated++
	}
	if failed > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", failed)
	}
	return migrated, nil
}
