// Command migrate-tokens encrypts cached Twitch app tokens that were stored in
// plaintext (encryption_version=0) before ENCRYPTION_KEY was configured.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/stream-herald/crypto"
	"github.com/onnwee/stream-herald/db"
)

// tokenRow is one plaintext oauth_tokens row.
type tokenRow struct {
	Provider    string
	AccessToken string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate one provider only (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(*dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func run(dryRun bool, provider string) error {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		return errors.New("DB_DSN environment variable is required")
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		return errors.New("ENCRYPTION_KEY environment variable is required for migration")
	}
	encryptor, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return fmt.Errorf("initialize encryptor: %w", err)
	}

	database, err := db.Connect(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Warn("failed to close database", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := db.Migrate(ctx, database); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return migrateTokens(ctx, database, encryptor, dryRun, provider)
}

// migrateTokens encrypts all plaintext tokens (encryption_version=0).
func migrateTokens(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, dryRun bool, providerFilter string) error {
	query := `SELECT provider, COALESCE(access_token, '') FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`
	var args []any
	if providerFilter != "" {
		query += " AND provider = $1"
		args = append(args, providerFilter)
	}
	query += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query plaintext tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var tr tokenRow
		if err := rows.Scan(&tr.Provider, &tr.AccessToken); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, tr)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("error iterating token rows: %w", err)
	}
	_ = rows.Close()

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(tokens)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, tr := range tokens {
		logger := slog.With(slog.String("provider", tr.Provider), slog.Int("index", i+1), slog.Int("total", len(tokens)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, encryptor, tr); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated token successfully")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// migrateToken encrypts one row. The version guard in the WHERE clause makes
// a concurrent rewrite by the daemon show up as zero rows affected.
func migrateToken(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, tr tokenRow) error {
	var encrypted string
	if tr.AccessToken != "" {
		var err error
		encrypted, err = crypto.EncryptString(encryptor, tr.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	result, err := database.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token = $1, encryption_version = 1, updated_at = NOW()
		 WHERE provider = $2 AND COALESCE(encryption_version, 0) = 0`,
		encrypted, tr.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return nil
}
