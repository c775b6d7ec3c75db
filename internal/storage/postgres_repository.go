package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"birdnest/internal/models"
	"birdnest/internal/storage/migrations"
	"birdnest/internal/tagging"
)

const pgUniqueViolation = "23505"

const pgRecordSelect = `
SELECT m.url, m.object_key, m.owner_id, COALESCE(m.thumbnail_url, ''), m.kind, m.content_type,
       m.status, m.created_at, m.updated_at,
       COALESCE(jsonb_object_agg(t.species, t.count) FILTER (WHERE t.species IS NOT NULL), '{}'::jsonb)
FROM media_objects m
LEFT JOIN media_tags t ON t.url = m.url
`

// PostgresRepository stores the catalog in Postgres. Tag writes lock the
// media_objects row with SELECT ... FOR UPDATE so the detection write and
// manual edits of one record serialize.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Call Migrate to
// create the schema when the database is new.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

// Migrate applies the catalog schema. It is safe to run repeatedly.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, migrations.Postgres); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not configured")
	}
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresRecord(row rowScanner) (models.TagRecord, error) {
	var (
		record models.TagRecord
		kind   string
		status string
		tags   models.SpeciesCounts
	)
	if err := row.Scan(
		&record.URL, &record.Key, &record.OwnerID, &record.ThumbnailURL, &kind, &record.ContentType,
		&status, &record.CreatedAt, &record.UpdatedAt, &tags,
	); err != nil {
		return models.TagRecord{}, err
	}
	record.Kind = models.MediaKind(kind)
	record.Status = models.TagStatus(status)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if tags == nil {
		tags = models.SpeciesCounts{}
	}
	record.Tags = tags
	return record, nil
}

func (r *PostgresRepository) queryRecords(ctx context.Context, sql string, args ...any) ([]models.TagRecord, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make([]models.TagRecord, 0)
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (r *PostgresRepository) RegisterObject(ctx context.Context, object models.MediaObject) (models.TagRecord, error) {
	object, err := normalizeObject(object, r.cfg.Clock())
	if err != nil {
		return models.TagRecord{}, err
	}
	var thumbnail any
	if object.ThumbnailURL != "" {
		thumbnail = object.ThumbnailURL
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO media_objects (url, object_key, owner_id, thumbnail_url, kind, content_type, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $7)
ON CONFLICT (url) DO NOTHING
`, object.URL, object.Key, object.OwnerID, thumbnail, string(object.Kind), object.ContentType, object.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.TagRecord{}, fmt.Errorf("%w: object key or thumbnail already registered", models.ErrInvalidInput)
		}
		return models.TagRecord{}, fmt.Errorf("register media: %w", err)
	}
	return r.GetByURL(ctx, object.URL)
}

func (r *PostgresRepository) SetThumbnail(ctx context.Context, url, thumbnailURL string) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	thumbnailURL, err = requireURL(thumbnailURL)
	if err != nil {
		return models.TagRecord{}, err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE media_objects SET thumbnail_url = $2, updated_at = $3 WHERE url = $1`, url, thumbnailURL, r.cfg.Clock())
	if err != nil {
		if isUniqueViolation(err) {
			return models.TagRecord{}, fmt.Errorf("%w: thumbnail %q already linked", models.ErrInvalidInput, thumbnailURL)
		}
		return models.TagRecord{}, fmt.Errorf("set thumbnail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.TagRecord{}, mediaNotFound(url)
	}
	return r.GetByURL(ctx, url)
}

func (r *PostgresRepository) GetByURL(ctx context.Context, url string) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	record, err := scanPostgresRecord(r.pool.QueryRow(ctx, pgRecordSelect+`WHERE m.url = $1 GROUP BY m.url`, url))
	if err != nil {
		if isNoRows(err) {
			return models.TagRecord{}, mediaNotFound(url)
		}
		return models.TagRecord{}, fmt.Errorf("get media: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) GetByThumbnail(ctx context.Context, thumbnailURL string) (models.ThumbnailLink, error) {
	thumbnailURL, err := requireURL(thumbnailURL)
	if err != nil {
		return models.ThumbnailLink{}, err
	}
	link := models.ThumbnailLink{ThumbnailURL: thumbnailURL}
	if err := r.pool.QueryRow(ctx, `SELECT url FROM media_objects WHERE thumbnail_url = $1`, thumbnailURL).Scan(&link.URL); err != nil {
		if isNoRows(err) {
			return models.ThumbnailLink{}, thumbnailNotFound(thumbnailURL)
		}
		return models.ThumbnailLink{}, fmt.Errorf("get thumbnail: %w", err)
	}
	return link, nil
}

func (r *PostgresRepository) Search(ctx context.Context, predicate models.SearchPredicate) ([]string, error) {
	predicate, err := tagging.ValidatePredicate(predicate)
	if err != nil {
		return nil, err
	}
	species := tagging.SortedSpecies(predicate)
	minimums := make([]int32, len(species))
	for i, name := range species {
		minimums[i] = int32(predicate[name])
	}
	rows, err := r.pool.Query(ctx, `
SELECT t.url
FROM media_tags t
JOIN unnest($1::text[], $2::int[]) AS p(species, min_count)
  ON p.species = t.species AND t.count >= p.min_count
GROUP BY t.url
HAVING COUNT(*) = $3
ORDER BY t.url
`, species, minimums, len(species))
	if err != nil {
		return nil, fmt.Errorf("search tags: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("search tags: %w", err)
	}
	if urls == nil {
		urls = []string{}
	}
	return urls, nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.TagRecord, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", models.ErrInvalidInput)
	}
	records, err := r.queryRecords(ctx, pgRecordSelect+`WHERE m.owner_id = $1 GROUP BY m.url ORDER BY m.created_at DESC, m.url`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list owner media: %w", err)
	}
	return records, nil
}

func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]models.TagRecord, error) {
	records, err := r.queryRecords(ctx, pgRecordSelect+`WHERE m.status = 'pending' GROUP BY m.url ORDER BY m.created_at, m.url LIMIT $1`, pendingLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending media: %w", err)
	}
	return records, nil
}

func (r *PostgresRepository) ListAll(ctx context.Context) ([]models.TagRecord, error) {
	records, err := r.queryRecords(ctx, pgRecordSelect+`GROUP BY m.url ORDER BY m.created_at, m.url`)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return records, nil
}

// lockRecord loads the object row under a row lock together with its tags.
func lockRecord(ctx context.Context, tx pgx.Tx, url string) (models.TagRecord, error) {
	var (
		record models.TagRecord
		kind   string
		status string
	)
	err := tx.QueryRow(ctx, `
SELECT object_key, owner_id, COALESCE(thumbnail_url, ''), kind, content_type, status, created_at, updated_at
FROM media_objects
WHERE url = $1
FOR UPDATE
`, url).Scan(&record.Key, &record.OwnerID, &record.ThumbnailURL, &kind, &record.ContentType, &status, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return models.TagRecord{}, mediaNotFound(url)
		}
		return models.TagRecord{}, fmt.Errorf("lock media: %w", err)
	}
	record.URL = url
	record.Kind = models.MediaKind(kind)
	record.Status = models.TagStatus(status)
	record.CreatedAt = record.CreatedAt.UTC()

	rows, err := tx.Query(ctx, `SELECT species, count FROM media_tags WHERE url = $1`, url)
	if err != nil {
		return models.TagRecord{}, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	record.Tags = models.SpeciesCounts{}
	for rows.Next() {
		var species string
		var count int
		if err := rows.Scan(&species, &count); err != nil {
			return models.TagRecord{}, fmt.Errorf("scan tag: %w", err)
		}
		record.Tags[species] = count
	}
	return record, rows.Err()
}

func replaceTags(ctx context.Context, tx pgx.Tx, url string, tags models.SpeciesCounts, status models.TagStatus, now time.Time) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM media_tags WHERE url = $1`, url)
	for _, species := range tags.Species() {
		batch.Queue(`INSERT INTO media_tags (url, species, count) VALUES ($1, $2, $3)`, url, species, tags[species])
	}
	batch.Queue(`UPDATE media_objects SET status = $2, updated_at = $3 WHERE url = $1`, url, string(status), now)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write tags: %w", err)
	}
	return nil
}

func (r *PostgresRepository) writeTags(ctx context.Context, url string, mutate func(models.TagRecord) (models.TagRecord, error)) (models.TagRecord, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.TagRecord{}, err
	}
	var result models.TagRecord
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := lockRecord(ctx, tx, url)
		if err != nil {
			return err
		}
		next, err := mutate(current)
		if err != nil {
			return err
		}
		next.UpdatedAt = r.cfg.Clock().UTC()
		if err := replaceTags(ctx, tx, url, next.Tags, next.Status, next.UpdatedAt); err != nil {
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

func (r *PostgresRepository) UpsertTags(ctx context.Context, url string, tags models.SpeciesCounts) (models.TagRecord, error) {
	return r.writeTags(ctx, url, func(current models.TagRecord) (models.TagRecord, error) {
		current.Tags = tagging.NormalizeCounts(tags)
		current.Status = models.StatusDone
		return current, nil
	})
}

func (r *PostgresRepository) ApplyDelta(ctx context.Context, url string, op tagging.Operation, deltas []tagging.Delta) (models.TagRecord, error) {
	return r.writeTags(ctx, url, func(current models.TagRecord) (models.TagRecord, error) {
		next, err := tagging.Apply(current.Tags, op, deltas)
		if err != nil {
			return models.TagRecord{}, err
		}
		current.Tags = next
		return current, nil
	})
}

func (r *PostgresRepository) Delete(ctx context.Context, url string) (models.MediaObject, error) {
	url, err := requireURL(url)
	if err != nil {
		return models.MediaObject{}, err
	}
	object := models.MediaObject{URL: url}
	var kind string
	err = r.pool.QueryRow(ctx, `
DELETE FROM media_objects
WHERE url = $1
RETURNING object_key, owner_id, COALESCE(thumbnail_url, ''), kind, content_type, created_at
`, url).Scan(&object.Key, &object.OwnerID, &object.ThumbnailURL, &kind, &object.ContentType, &object.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return models.MediaObject{}, mediaNotFound(url)
		}
		return models.MediaObject{}, fmt.Errorf("delete media: %w", err)
	}
	object.Kind = models.MediaKind(kind)
	object.CreatedAt = object.CreatedAt.UTC()
	return object, nil
}
