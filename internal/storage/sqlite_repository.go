package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"birdnest/internal/models"
	"birdnest/internal/storage/migrations"
	"birdnest/internal/tagging"
)

// SQLiteConfig describes the single-file SQLite catalog.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	Clock       func() time.Time
}

func newSQLiteConfig(path string, opts ...Option) SQLiteConfig {
	cfg := SQLiteConfig{
		Path:        strings.TrimSpace(path),
		BusyTimeout: 5 * time.Second,
		Clock:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applySQLite(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

// SQLiteRepository keeps the catalog in one SQLite file through a single
// connection. Rows must be fully drained before the next statement runs.
type SQLiteRepository struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteRepository opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteRepository(path string, opts ...Option) (*SQLiteRepository, error) {
	cfg := newSQLiteConfig(path, opts...)
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteRepository{db: db, cfg: cfg}, nil
}

// sqliteDSN makes every BeginTx issue BEGIN IMMEDIATE, so a writer takes the
// reserved lock before it reads the row it is about to rewrite.
func sqliteDSN(path string) string {
	return path + "?_txlock=immediate"
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy")
}

func withSQLiteRetry(ctx context.Context, op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil || !isRetryableSQLiteError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close(context.Context) error {
	return r.db.Close()
}

func fromNanos(value int64) time.Time {
	return time.Unix(0, value).UTC()
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const sqliteObjectColumns = `url, object_key, owner_id, COALESCE(thumbnail_url, ''), kind, content_type, status, created_at, updated_at`

func scanSQLiteObject(row rowScanner) (models.TagRecord, error) {
	var (
		record  models.TagRecord
		kind    string
		status  string
		created int64
		updated int64
	)
	if err := row.Scan(&record.URL, &record.Key, &record.OwnerID, &record.ThumbnailURL, &kind, &record.ContentType, &status, &created, &updated); err != nil {
		return models.TagRecord{}, err
	}
	record.Kind = models.MediaKind(kind)
	record.Status = models.TagStatus(status)
	record.CreatedAt = fromNanos(created)
	record.UpdatedAt = fromNanos(updated)
	record.Tags = models.SpeciesCounts{}
	return record, nil
}

func loadSQLiteTags(ctx context.Context, q sqliteQuerier, url string) (models.SpeciesCounts, error) {
	rows, err := q.QueryContext(ctx, `SELECT species, count FROM media_tags WHERE url = ?`, url)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := models.SpeciesCounts{}
	for rows.Next() {
		var species string
		var count int
		if err := rows.Scan(&species, &count); err != nil {
			return nil, err
		}
		tags[species] = count
	}
	return tags, rows.Err()
}

func loadSQLiteRecord(ctx context.Context, q sqliteQuerier, url string) (models.TagRecord, error) {
	record, err := scanSQLiteObject(q.QueryRowContext(ctx, `SELECT `+sqliteObjectColumns+` FROM media_objects WHERE url = ?`, url))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TagRecord{}, mediaNotFound(url)
		}
		return models.TagRecord{}, fmt.Errorf("get media: %w", err)
	}
	tags, err := loadSQLiteTags(ctx, q, url)
	if err != nil {
		return models.TagRecord{}, fmt.Errorf("load tags: %w", err)
	}
	record.Tags = tags
	return record, nil
}

// listRecords drains the object rows first and only then loads tags, since
// the single connection cannot serve a second query while rows are open.
func (r *SQLiteRepository) listRecords(ctx context.Context, where string, args ...any) ([]models.TagRecord, error) {
	var records []models.TagRecord
	err := withSQLiteRetry(ctx, func() error {
		records = make([]models.TagRecord, 0)
		rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteObjectColumns+` FROM media_objects `+where, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			record, err := scanSQLiteObject(rows)
			if err != nil {
				rows.Close()
				return err
			}
			records = append(records, record)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range records {
			tags, err := loadSQLiteTags(ctx, r.db, records[i].URL)
			if err != nil {
				return err
			}
			records[i].Tags = tags
		}
		return nil
	})
	return records, err
}

func (r *SQLiteRepository) RegisterObject(ctx context.Context, object models.MediaObject) (models.TagRecord, error) {
	object, err := normalizeObject(object, r.cfg.Clock())
	if err != nil {
		return models.TagRecord{}, err
	}
	var thumbnail any
	if object.ThumbnailURL != "" {
		thumbnail = object.ThumbnailURL
	}
	err = withSQLiteRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
INSERT INTO media_objects (url, object_key, owner_id, thumbnail_url, kind, content_type, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
ON CONFLICT (url) DO NOTHING
`, object.URL, object.Key, object.OwnerID, thumbnail, string(object.Kind), object.ContentType,
			object.CreatedAt.UnixNano(), object.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		if isSQLiteUnique(err) {
			return models.TagRecord{}, fmt.Errorf("%w: object key or thumbnail already registered", models.ErrInvalidInput)
		}
		return models.TagRecord{}, fmt.Errorf("register media: %w", err)
	}
	return r.GetByURL(ctx, object.URL)
}

func (r *SQLiteRepository) SetThumbnail(ctx context.Context, url, thumbnailURL string) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	thumbnailURL, err = requireURL(thumbnailURL)
	if err != nil {
		return models.TagRecord{}, err
	}
	var affected int64
	err = withSQLiteRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `UPDATE media_objects SET thumbnail_url = ?, updated_at = ? WHERE url = ?`,
			thumbnailURL, r.cfg.Clock().UnixNano(), url)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		if isSQLiteUnique(err) {
			return models.TagRecord{}, fmt.Errorf("%w: thumbnail %q already linked", models.ErrInvalidInput, thumbnailURL)
		}
		return models.TagRecord{}, fmt.Errorf("set thumbnail: %w", err)
	}
	if affected == 0 {
		return models.TagRecord{}, mediaNotFound(url)
	}
	return r.GetByURL(ctx, url)
}

func (r *SQLiteRepository) GetByURL(ctx context.Context, url string) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	var record models.TagRecord
	err = withSQLiteRetry(ctx, func() error {
		var err error
		record, err = loadSQLiteRecord(ctx, r.db, url)
		return err
	})
	return record, err
}

func (r *SQLiteRepository) GetByThumbnail(ctx context.Context, thumbnailURL string) (models.ThumbnailLink, error) {
	thumbnailURL, err := requireURL(thumbnailURL)
	if err != nil {
		return models.ThumbnailLink{}, err
	}
	link := models.ThumbnailLink{ThumbnailURL: thumbnailURL}
	err = withSQLiteRetry(ctx, func() error {
		return r.db.QueryRowContext(ctx, `SELECT url FROM media_objects WHERE thumbnail_url = ?`, thumbnailURL).Scan(&link.URL)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ThumbnailLink{}, thumbnailNotFound(thumbnailURL)
		}
		return models.ThumbnailLink{}, fmt.Errorf("get thumbnail: %w", err)
	}
	return link, nil
}

func (r *SQLiteRepository) Search(ctx context.Context, predicate models.SearchPredicate) ([]string, error) {
	predicate, err := tagging.ValidatePredicate(predicate)
	if err != nil {
		return nil, err
	}
	species := tagging.SortedSpecies(predicate)
	clauses := make([]string, len(species))
	args := make([]any, 0, len(species)*2+1)
	for i, name := range species {
		clauses[i] = "(species = ? AND count >= ?)"
		args = append(args, name, predicate[name])
	}
	args = append(args, len(species))
	query := `SELECT url FROM media_tags WHERE ` + strings.Join(clauses, " OR ") +
		` GROUP BY url HAVING COUNT(*) = ? ORDER BY url`

	var urls []string
	err = withSQLiteRetry(ctx, func() error {
		urls = make([]string, 0)
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var url string
			if err := rows.Scan(&url); err != nil {
				return err
			}
			urls = append(urls, url)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search tags: %w", err)
	}
	return urls, nil
}

func (r *SQLiteRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.TagRecord, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	records, err := r.listRecords(ctx, `WHERE owner_id = ? ORDER BY created_at DESC, url`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list owner media: %w", err)
	}
	return records, nil
}

func (r *SQLiteRepository) ListPending(ctx context.Context, limit int) ([]models.TagRecord, error) {
	records, err := r.listRecords(ctx, `WHERE status = 'pending' ORDER BY created_at, url LIMIT ?`, pendingLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending media: %w", err)
	}
	return records, nil
}

func (r *SQLiteRepository) ListAll(ctx context.Context) ([]models.TagRecord, error) {
	records, err := r.listRecords(ctx, `ORDER BY created_at, url`)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return records, nil
}

// writeTags runs mutate inside an immediate transaction. With one pooled
// connection every writer is serialized, so the read-modify-write is atomic.
func (r *SQLiteRepository) writeTags(ctx context.Context, url string, mutate func(models.TagRecord) (models.TagRecord, error)) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	var result models.TagRecord
	err = withSQLiteRetry(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		current, err := loadSQLiteRecord(ctx, tx, url)
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.UpdatedAt = r.cfg.Clock().UTC()

		if _, err := tx.ExecContext(ctx, `DELETE FROM media_tags WHERE url = ?`, url); err != nil {
			return err
		}
		for _, species := range next.Tags.Species() {
			if _, err := tx.ExecContext(ctx, `INSERT INTO media_tags (url, species, count) VALUES (?, ?, ?)`, url, species, next.Tags[species]); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE media_objects SET status = ?, updated_at = ? WHERE url = ?`,
			string(next.Status), next.UpdatedAt.UnixNano(), url); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return models.TagRecord{}, err
	}
	return result, nil
}

func (r *SQLiteRepository) UpsertTags(ctx context.Context, url string, tags models.SpeciesCounts) (models.TagRecord, error) {
	return r.writeTags(ctx, url, func(current models.TagRecord) (models.TagRecord, error) {
		current.Tags = tagging.NormalizeCounts(tags)
		current.Status = models.StatusDone
		return current, nil
	})
}

func (r *SQLiteRepository) ApplyDelta(ctx context.Context, url string, op tagging.Operation, deltas []tagging.Delta) (models.TagRecord, error) {
	return r.writeTags(ctx, url, func(current models.TagRecord) (models.TagRecord, error) {
		next, err := tagging.Apply(current.Tags, op, deltas)
		if err != nil {
			return models.TagRecord{}, err
		}
		current.Tags = next
		return current, nil
	})
}

func (r *SQLiteRepository) Delete(ctx context.Context, url string) (models.MediaObject, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.MediaObject{}, err
	}
	var object models.MediaObject
	err = withSQLiteRetry(ctx, func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		record, err := scanSQLiteObject(tx.QueryRowContext(ctx, `SELECT `+sqliteObjectColumns+` FROM media_objects WHERE url = ?`, url))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return mediaNotFound(url)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM media_tags WHERE url = ?`, url); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM media_objects WHERE url = ?`, url); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		object = record.MediaObject
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.MediaObject{}, err
		}
		return models.MediaObject{}, fmt.Errorf("delete media: %w", err)
	}
	return object, nil
}
