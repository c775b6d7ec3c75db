// Command migrate-catalog copies every media record from one catalog
// backend to another, for example from the JSON file into Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"birdnest/internal/models"
	"birdnest/internal/storage"
	"birdnest/internal/tagging"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := run(context.Background(), os.Args[1:], logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("migrate-catalog", pflag.ContinueOnError)
	var from, to storage.Config
	fs.StringVar(&from.Driver, "from-driver", storage.DriverJSON, "source driver (json, sqlite, postgres)")
	fs.StringVar(&from.JSONPath, "from-json", "data/catalog.json", "source JSON file")
	fs.StringVar(&from.SQLitePath, "from-sqlite", "", "source SQLite database")
	fs.StringVar(&to.Driver, "to-driver", storage.DriverPostgres, "destination driver (json, sqlite, postgres)")
	fs.StringVar(&to.JSONPath, "to-json", "", "destination JSON file")
	fs.StringVar(&to.SQLitePath, "to-sqlite", "", "destination SQLite database")
	dryRun := fs.Bool("dry-run", false, "read the source and report counts without writing")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// DSNs carry credentials, so they only come from the environment.
	from.PostgresDSN = strings.TrimSpace(os.Getenv("BIRDNEST_MIGRATE_FROM_DSN"))
	to.PostgresDSN = strings.TrimSpace(os.Getenv("BIRDNEST_STORE_POSTGRES_DSN"))
	if to.PostgresDSN == "" {
		to.PostgresDSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if to.Driver == storage.DriverPostgres && to.PostgresDSN == "" && !*dryRun {
		return errors.New("postgres destination needs BIRDNEST_STORE_POSTGRES_DSN or DATABASE_URL")
	}
	to.Migrate = true

	src, err := storage.Open(ctx, from)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close(context.Background())

	records, err := src.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	logger.Info("loaded source catalog", "driver", from.Driver, "records", len(records))
	if *dryRun {
		return nil
	}

	dst, err := storage.Open(ctx, to)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer dst.Close(context.Background())

	stats, err := migrate(ctx, records, dst)
	if err != nil {
		return err
	}
	if err := verify(ctx, records, dst); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	logger.Info("migration completed", "copied", stats.Copied, "skipped", stats.Skipped)
	return nil
}

type migrationStats struct {
	Copied  int
	Skipped int
}

// migrate writes each record into dst. Records already present in dst are
// left alone so the tool can be rerun after a partial failure.
func migrate(ctx context.Context, records []models.TagRecord, dst storage.Repository) (migrationStats, error) {
	var stats migrationStats
	for _, record := range records {
		if _, err := dst.GetByURL(ctx, record.URL); err == nil {
			stats.Skipped++
			continue
		} else if !errors.Is(err, models.ErrNotFound) {
			return stats, fmt.Errorf("check %s: %w", record.URL, err)
		}
		if _, err := dst.RegisterObject(ctx, record.MediaObject); err != nil {
			return stats, fmt.Errorf("register %s: %w", record.URL, err)
		}
		if err := copyTags(ctx, dst, record); err != nil {
			return stats, fmt.Errorf("copy tags of %s: %w", record.URL, err)
		}
		stats.Copied++
	}
	return stats, nil
}

func copyTags(ctx context.Context, dst storage.Repository, record models.TagRecord) error {
	if record.Status == models.StatusDone {
		_, err := dst.UpsertTags(ctx, record.URL, record.Tags)
		return err
	}
	if len(record.Tags) == 0 {
		return nil
	}
	deltas := make([]tagging.Delta, 0, len(record.Tags))
	for _, species := range record.Tags.Species() {
		deltas = append(deltas, tagging.Delta{Species: species, Count: record.Tags[species]})
	}
	_, err := dst.ApplyDelta(ctx, record.URL, tagging.Add, deltas)
	return err
}

func verify(ctx context.Context, records []models.TagRecord, dst storage.Repository) error {
	for _, want := range records {
		got, err := dst.GetByURL(ctx, want.URL)
		if err != nil {
			return fmt.Errorf("%s: %w", want.URL, err)
		}
		if got.Status != want.Status {
			return fmt.Errorf("%s: status %s, want %s", want.URL, got.Status, want.Status)
		}
		if len(got.Tags) != len(want.Tags) {
			return fmt.Errorf("%s: %d species, want %d", want.URL, len(got.Tags), len(want.Tags))
		}
		for species, count := range want.Tags {
			if got.Tags[species] != count {
				return fmt.Errorf("%s: %s count %d, want %d", want.URL, species, got.Tags[species], count)
			}
		}
	}
	return nil
}
