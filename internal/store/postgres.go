package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cardlens/cardlens/internal/db"
	"github.com/cardlens/cardlens/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_card": `SELECT owner_id, card_id, image_refs, name, set_name, rarity, collector_number,
	                    confidence, verified_by_ai, metadata, pricing, authenticity,
	                    created_at, updated_at, deleted_at
	             FROM cards WHERE owner_id = $1 AND card_id = $2`,
	"acquire_run": `INSERT INTO analysis_runs (id, card_id, owner_id, status, stages, created_at, updated_at)
	                VALUES ($1, $2, $3, $4, '[]', $5, $6)`,
	"update_run_status": `UPDATE analysis_runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"get_run": `SELECT id, card_id, owner_id, status, stages, error, created_at, updated_at
	            FROM analysis_runs WHERE id = $1`,
	"get_price_cache": `SELECT data FROM price_cache
	                    WHERE kind = $1 AND cache_key = $2 AND expires_at > now()`,
	"set_price_cache": `INSERT INTO price_cache (kind, cache_key, data, cached_at, expires_at)
	                    VALUES ($1, $2, $3, $4, $5)
	                    ON CONFLICT (kind, cache_key) DO UPDATE SET
	                        data = excluded.data,
	                        cached_at = excluded.cached_at,
	                        expires_at = excluded.expires_at`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Tests pass a pgxmock pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cards (
	owner_id         TEXT NOT NULL,
	card_id          TEXT NOT NULL,
	image_refs       JSONB NOT NULL DEFAULT '[]',
	name             TEXT,
	set_name         TEXT,
	rarity           TEXT,
	collector_number TEXT,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	verified_by_ai   BOOLEAN NOT NULL DEFAULT false,
	metadata         JSONB,
	pricing          JSONB,
	authenticity     JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at       TIMESTAMPTZ,
	PRIMARY KEY (owner_id, card_id)
);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id         TEXT PRIMARY KEY,
	card_id    TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	stages     JSONB NOT NULL DEFAULT '[]',
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active
	ON analysis_runs(owner_id, card_id)
	WHERE status IN ('queued','extracting','reasoning','fanned_out','aggregating');

CREATE TABLE IF NOT EXISTS price_cache (
	kind       TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	data       JSONB NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, cache_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON analysis_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_card ON analysis_runs(owner_id, card_id);
CREATE INDEX IF NOT EXISTS idx_price_cache_expires_at ON price_cache(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) GetCard(ctx context.Context, ownerID, cardID string) (*model.Card, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT owner_id, card_id, image_refs, name, set_name, rarity, collector_number,
		        confidence, verified_by_ai, metadata, pricing, authenticity,
		        created_at, updated_at, deleted_at
		 FROM cards WHERE owner_id = $1 AND card_id = $2`,
		ownerID, cardID,
	)
	card, err := scanCardPg(row)
	if err != nil {
		return nil, err
	}
	if card.Deleted() {
		return nil, ErrNotFound
	}
	return card, nil
}

func (s *PostgresStore) UpsertCardAnalysis(ctx context.Context, update *model.CardUpdate) (*model.Card, error) {
	cols, err := encodeUpdate(update)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO cards (owner_id, card_id, image_refs, name, set_name, rarity,
		                    collector_number, confidence, verified_by_ai,
		                    metadata, pricing, authenticity, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (owner_id, card_id) DO UPDATE SET
		     image_refs = excluded.image_refs,
		     name = excluded.name,
		     set_name = excluded.set_name,
		     rarity = excluded.rarity,
		     collector_number = excluded.collector_number,
		     confidence = excluded.confidence,
		     verified_by_ai = excluded.verified_by_ai,
		     metadata = excluded.metadata,
		     pricing = excluded.pricing,
		     authenticity = excluded.authenticity,
		     deleted_at = NULL,
		     updated_at = excluded.updated_at`,
		update.OwnerID, update.CardID, cols.imageRefs, cols.name, cols.setName, cols.rarity,
		cols.collectorNumber, cols.confidence, cols.verifiedByAI,
		cols.metadata, cols.pricing, cols.authenticity, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert card %s/%s", update.OwnerID, update.CardID)
	}
	return s.GetCard(ctx, update.OwnerID, update.CardID)
}

func (s *PostgresStore) UpdateCardAnalysis(ctx context.Context, update *model.CardUpdate) (*model.Card, error) {
	cols, err := encodeUpdate(update)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE cards SET
		     name = $1, set_name = $2, rarity = $3, collector_number = $4,
		     confidence = $5, verified_by_ai = $6,
		     metadata = $7, pricing = $8, authenticity = $9, updated_at = $10
		 WHERE owner_id = $11 AND card_id = $12 AND deleted_at IS NULL`,
		cols.name, cols.setName, cols.rarity, cols.collectorNumber,
		cols.confidence, cols.verifiedByAI,
		cols.metadata, cols.pricing, cols.authenticity, time.Now().UTC(),
		update.OwnerID, update.CardID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update card %s/%s", update.OwnerID, update.CardID)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a card that never existed from one lost to a
		// concurrent soft delete.
		var deleted int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM cards
			 WHERE owner_id = $1 AND card_id = $2 AND deleted_at IS NOT NULL`,
			update.OwnerID, update.CardID,
		).Scan(&deleted)
		if err == nil && deleted > 0 {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return s.GetCard(ctx, update.OwnerID, update.CardID)
}

func (s *PostgresStore) DeleteCard(ctx context.Context, ownerID, cardID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cards WHERE owner_id = $1 AND card_id = $2`,
		ownerID, cardID,
	)
	return eris.Wrapf(err, "postgres: delete card %s/%s", ownerID, cardID)
}

func (s *PostgresStore) AcquireRun(ctx context.Context, ownerID, cardID string) (*model.AnalysisRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_runs (id, card_id, owner_id, status, stages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, '[]', $5, $6)`,
		id, cardID, ownerID, string(model.StatusQueued), now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrRunActive
		}
		return nil, eris.Wrapf(err, "postgres: acquire run for card %s/%s", ownerID, cardID)
	}

	return &model.AnalysisRun{
		ID:        id,
		CardID:    cardID,
		OwnerID:   ownerID,
		Status:    model.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) RecordStage(ctx context.Context, runID string, stage model.StageResult) error {
	stageJSON, err := json.Marshal(stage)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_runs
		 SET stages = stages || $1::jsonb, updated_at = $2
		 WHERE id = $3`,
		stageJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record stage for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, cause string) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: finish run with non-terminal status %s", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), nullIfEmpty(cause), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, card_id, owner_id, status, stages, error, created_at, updated_at
		 FROM analysis_runs WHERE id = $1`,
		runID,
	)
	return scanRunPg(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT id, card_id, owner_id, status, stages, error, created_at, updated_at
	          FROM analysis_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.OwnerID != "" {
		query += fmt.Sprintf(` AND owner_id = $%d`, argIdx)
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if filter.CardID != "" {
		query += fmt.Sprintf(` AND card_id = $%d`, argIdx)
		args = append(args, filter.CardID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		r, err := scanRunPg(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) GetCachedObservations(ctx context.Context, key string) ([]model.RawPriceObservation, bool, error) {
	data, ok, err := s.getCache(ctx, cacheKindObservations, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var obs []model.RawPriceObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, false, eris.Wrap(err, "postgres: unmarshal cached observations")
	}
	return obs, true, nil
}

func (s *PostgresStore) SetCachedObservations(ctx context.Context, key string, obs []model.RawPriceObservation, ttl time.Duration) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal observations")
	}
	return s.setCache(ctx, cacheKindObservations, key, data, ttl)
}

func (s *PostgresStore) GetCachedPricing(ctx context.Context, key string) (*model.PricingResult, bool, error) {
	data, ok, err := s.getCache(ctx, cacheKindPricing, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var res model.PricingResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, eris.Wrap(err, "postgres: unmarshal cached pricing")
	}
	return &res, true, nil
}

func (s *PostgresStore) SetCachedPricing(ctx context.Context, key string, res *model.PricingResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pricing result")
	}
	return s.setCache(ctx, cacheKindPricing, key, data, ttl)
}

func (s *PostgresStore) DeleteExpiredPriceCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM price_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired price cache")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) getCache(ctx context.Context, kind, key string) ([]byte, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM price_cache
		 WHERE kind = $1 AND cache_key = $2 AND expires_at > now()`,
		kind, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get %s cache", kind)
	}
	return data, true, nil
}

func (s *PostgresStore) setCache(ctx context.Context, kind, key string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_cache (kind, cache_key, data, cached_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, cache_key) DO UPDATE SET
		     data = excluded.data,
		     cached_at = excluded.cached_at,
		     expires_at = excluded.expires_at`,
		kind, key, data, now, now.Add(ttl),
	)
	return eris.Wrapf(err, "postgres: set %s cache", kind)
}

func scanCardPg(row pgx.Row) (*model.Card, error) {
	var c model.Card
	var imageRefs []byte
	var name, setName, rarity, collectorNumber *string
	var metadata, pricing, authenticity []byte
	var deletedAt *time.Time

	err := row.Scan(&c.OwnerID, &c.CardID, &imageRefs, &name, &setName, &rarity,
		&collectorNumber, &c.Confidence, &c.VerifiedByAI, &metadata, &pricing,
		&authenticity, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan card")
	}

	if err := json.Unmarshal(imageRefs, &c.ImageRefs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal image refs")
	}
	if name != nil {
		c.Name = *name
	}
	if setName != nil {
		c.SetName = *setName
	}
	if rarity != nil {
		c.Rarity = *rarity
	}
	if collectorNumber != nil {
		c.CollectorNumber = *collectorNumber
	}
	c.DeletedAt = deletedAt

	if metadata != nil {
		c.Metadata = &model.CardMetadata{}
		if err := json.Unmarshal(metadata, c.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metadata")
		}
	}
	if pricing != nil {
		c.Pricing = &model.PricingResult{}
		if err := json.Unmarshal(pricing, c.Pricing); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal pricing")
		}
	}
	if authenticity != nil {
		c.Authenticity = &model.AuthenticityResult{}
		if err := json.Unmarshal(authenticity, c.Authenticity); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal authenticity")
		}
	}
	return &c, nil
}

func scanRunPg(row pgx.Row) (*model.AnalysisRun, error) {
	var r model.AnalysisRun
	var stagesJSON []byte
	var errMsg *string

	err := row.Scan(&r.ID, &r.CardID, &r.OwnerID, &r.Status, &stagesJSON,
		&errMsg, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if err := json.Unmarshal(stagesJSON, &r.Stages); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal stages")
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}
