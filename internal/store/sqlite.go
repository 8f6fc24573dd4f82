package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cardlens/cardlens/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cards (
	owner_id         TEXT NOT NULL,
	card_id          TEXT NOT NULL,
	image_refs       TEXT NOT NULL DEFAULT '[]',
	name             TEXT,
	set_name         TEXT,
	rarity           TEXT,
	collector_number TEXT,
	confidence       REAL NOT NULL DEFAULT 0,
	verified_by_ai   INTEGER NOT NULL DEFAULT 0,
	metadata         TEXT,
	pricing          TEXT,
	authenticity     TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	deleted_at       DATETIME,
	PRIMARY KEY (owner_id, card_id)
);

CREATE TABLE IF NOT EXISTS analysis_runs (
	id         TEXT PRIMARY KEY,
	card_id    TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	stages     TEXT NOT NULL DEFAULT '[]',
	error      TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active
	ON analysis_runs(owner_id, card_id)
	WHERE status IN ('queued','extracting','reasoning','fanned_out','aggregating');

CREATE TABLE IF NOT EXISTS price_cache (
	kind       TEXT NOT NULL,
	cache_key  TEXT NOT NULL,
	data       TEXT NOT NULL,
	cached_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (kind, cache_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON analysis_runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_card ON analysis_runs(owner_id, card_id);
CREATE INDEX IF NOT EXISTS idx_price_cache_expires_at ON price_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCard(ctx context.Context, ownerID, cardID string) (*model.Card, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, card_id, image_refs, name, set_name, rarity, collector_number,
		        confidence, verified_by_ai, metadata, pricing, authenticity,
		        created_at, updated_at, deleted_at
		 FROM cards WHERE owner_id = ? AND card_id = ?`,
		ownerID, cardID,
	)
	card, err := scanCard(row)
	if err != nil {
		return nil, err
	}
	if card.Deleted() {
		return nil, ErrNotFound
	}
	return card, nil
}

func (s *SQLiteStore) UpsertCardAnalysis(ctx context.Context, update *model.CardUpdate) (*model.Card, error) {
	cols, err := encodeUpdate(update)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cards (owner_id, card_id, image_refs, name, set_name, rarity,
		                    collector_number, confidence, verified_by_ai,
		                    metadata, pricing, authenticity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, card_id) DO UPDATE SET
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
		return nil, eris.Wrapf(err, "sqlite: upsert card %s/%s", update.OwnerID, update.CardID)
	}
	return s.GetCard(ctx, update.OwnerID, update.CardID)
}

func (s *SQLiteStore) UpdateCardAnalysis(ctx context.Context, update *model.CardUpdate) (*model.Card, error) {
	cols, err := encodeUpdate(update)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cards SET
		     name = ?, set_name = ?, rarity = ?, collector_number = ?,
		     confidence = ?, verified_by_ai = ?,
		     metadata = ?, pricing = ?, authenticity = ?, updated_at = ?
		 WHERE owner_id = ? AND card_id = ? AND deleted_at IS NULL`,
		cols.name, cols.setName, cols.rarity, cols.collectorNumber,
		cols.confidence, cols.verifiedByAI,
		cols.metadata, cols.pricing, cols.authenticity, time.Now().UTC(),
		update.OwnerID, update.CardID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update card %s/%s", update.OwnerID, update.CardID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Distinguish a card that never existed from one lost to a
		// concurrent soft delete.
		var deleted int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cards
			 WHERE owner_id = ? AND card_id = ? AND deleted_at IS NOT NULL`,
			update.OwnerID, update.CardID,
		).Scan(&deleted)
		if err == nil && deleted > 0 {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return s.GetCard(ctx, update.OwnerID, update.CardID)
}

func (s *SQLiteStore) DeleteCard(ctx context.Context, ownerID, cardID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cards WHERE owner_id = ? AND card_id = ?`,
		ownerID, cardID,
	)
	return eris.Wrapf(err, "sqlite: delete card %s/%s", ownerID, cardID)
}

func (s *SQLiteStore) AcquireRun(ctx context.Context, ownerID, cardID string) (*model.AnalysisRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, card_id, owner_id, status, stages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', ?, ?)`,
		id, cardID, ownerID, string(model.StatusQueued), now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrRunActive
		}
		return nil, eris.Wrapf(err, "sqlite: acquire run for card %s/%s", ownerID, cardID)
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

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) RecordStage(ctx context.Context, runID string, stage model.StageResult) error {
	stageJSON, err := json.Marshal(stage)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs
		 SET stages = json_insert(stages, '$[#]', json(?)), updated_at = ?
		 WHERE id = ?`,
		string(stageJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record stage for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, cause string) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: finish run with non-terminal status %s", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullIfEmpty(cause), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, card_id, owner_id, status, stages, error, created_at, updated_at
		 FROM analysis_runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT id, card_id, owner_id, status, stages, error, created_at, updated_at
	          FROM analysis_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.CardID != "" {
		query += ` AND card_id = ?`
		args = append(args, filter.CardID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) GetCachedObservations(ctx context.Context, key string) ([]model.RawPriceObservation, bool, error) {
	data, ok, err := s.getCache(ctx, cacheKindObservations, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var obs []model.RawPriceObservation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: unmarshal cached observations")
	}
	return obs, true, nil
}

func (s *SQLiteStore) SetCachedObservations(ctx context.Context, key string, obs []model.RawPriceObservation, ttl time.Duration) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal observations")
	}
	return s.setCache(ctx, cacheKindObservations, key, data, ttl)
}

func (s *SQLiteStore) GetCachedPricing(ctx context.Context, key string) (*model.PricingResult, bool, error) {
	data, ok, err := s.getCache(ctx, cacheKindPricing, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var res model.PricingResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: unmarshal cached pricing")
	}
	return &res, true, nil
}

func (s *SQLiteStore) SetCachedPricing(ctx context.Context, key string, res *model.PricingResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pricing result")
	}
	return s.setCache(ctx, cacheKindPricing, key, data, ttl)
}

func (s *SQLiteStore) DeleteExpiredPriceCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM price_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired price cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

const (
	cacheKindObservations = "observations"
	cacheKindPricing      = "pricing"
)

func (s *SQLiteStore) getCache(ctx context.Context, kind, key string) ([]byte, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM price_cache
		 WHERE kind = ? AND cache_key = ? AND expires_at > ?`,
		kind, key, time.Now().UTC(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get %s cache", kind)
	}
	return []byte(data), true, nil
}

func (s *SQLiteStore) setCache(ctx context.Context, kind, key string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_cache (kind, cache_key, data, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, cache_key) DO UPDATE SET
		     data = excluded.data,
		     cached_at = excluded.cached_at,
		     expires_at = excluded.expires_at`,
		kind, key, string(data), now, now.Add(ttl),
	)
	return eris.Wrapf(err, "sqlite: set %s cache", kind)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

// cardColumns carries the encoded JSON columns of one CardUpdate.
type cardColumns struct {
	imageRefs       string
	name            any
	setName         any
	rarity          any
	collectorNumber any
	confidence      float64
	verifiedByAI    bool
	metadata        any
	pricing         any
	authenticity    any
}

func encodeUpdate(update *model.CardUpdate) (*cardColumns, error) {
	cols := &cardColumns{imageRefs: "[]"}

	refs, err := json.Marshal(update.ImageRefs)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal image refs")
	}
	cols.imageRefs = string(refs)

	if md := update.Metadata; md != nil {
		cols.name = nullIfEmpty(update.DisplayName())
		if v, _ := md.Set.Best(); v != nil {
			cols.setName = nullIfEmpty(*v)
		}
		if md.Rarity.Value != nil {
			cols.rarity = nullIfEmpty(*md.Rarity.Value)
		}
		if md.CollectorNumber.Value != nil {
			cols.collectorNumber = nullIfEmpty(*md.CollectorNumber.Value)
		}
		cols.confidence = md.OverallConfidence
		cols.verifiedByAI = md.VerifiedByAI

		data, err := json.Marshal(md)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal metadata")
		}
		cols.metadata = string(data)
	}

	if update.Pricing != nil {
		data, err := json.Marshal(update.Pricing)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal pricing")
		}
		cols.pricing = string(data)
	}
	if update.Authenticity != nil {
		data, err := json.Marshal(update.Authenticity)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal authenticity")
		}
		cols.authenticity = string(data)
	}
	return cols, nil
}

func scanCard(row scannable) (*model.Card, error) {
	var c model.Card
	var imageRefs string
	var name, setName, rarity, collectorNumber sql.NullString
	var metadata, pricing, authenticity sql.NullString
	var deletedAt sql.NullTime

	err := row.Scan(&c.OwnerID, &c.CardID, &imageRefs, &name, &setName, &rarity,
		&collectorNumber, &c.Confidence, &c.VerifiedByAI, &metadata, &pricing,
		&authenticity, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan card")
	}

	if err := json.Unmarshal([]byte(imageRefs), &c.ImageRefs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal image refs")
	}
	c.Name = name.String
	c.SetName = setName.String
	c.Rarity = rarity.String
	c.CollectorNumber = collectorNumber.String
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}

	if metadata.Valid {
		c.Metadata = &model.CardMetadata{}
		if err := json.Unmarshal([]byte(metadata.String), c.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	if pricing.Valid {
		c.Pricing = &model.PricingResult{}
		if err := json.Unmarshal([]byte(pricing.String), c.Pricing); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal pricing")
		}
	}
	if authenticity.Valid {
		c.Authenticity = &model.AuthenticityResult{}
		if err := json.Unmarshal([]byte(authenticity.String), c.Authenticity); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal authenticity")
		}
	}
	return &c, nil
}

func scanRun(row scannable) (*model.AnalysisRun, error) {
	var r model.AnalysisRun
	var stagesJSON string
	var errMsg sql.NullString

	err := row.Scan(&r.ID, &r.CardID, &r.OwnerID, &r.Status, &stagesJSON,
		&errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(stagesJSON), &r.Stages); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stages")
	}
	r.Error = errMsg.String
	return &r, nil
}
