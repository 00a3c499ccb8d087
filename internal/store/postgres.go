package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/yourorg/omni-pipeline/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	address            TEXT PRIMARY KEY,
	name               TEXT NOT NULL DEFAULT 'UNKNOWN',
	symbol             TEXT NOT NULL DEFAULT '',
	discovered_at      TIMESTAMPTZ NOT NULL,
	state              TEXT NOT NULL DEFAULT 'pending',
	last_processed_at  TIMESTAMPTZ,
	last_error         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS evaluations (
	id             BIGSERIAL PRIMARY KEY,
	trader_address TEXT NOT NULL,
	token_address  TEXT NOT NULL,
	score          DOUBLE PRECISION NOT NULL,
	verdict        TEXT NOT NULL,
	trace          JSONB NOT NULL,
	metrics        JSONB NOT NULL,
	evaluated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_token ON evaluations (token_address, evaluated_at DESC);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	trigger_by   TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ,
	status       TEXT NOT NULL,
	token_states JSONB NOT NULL,
	succeeded    INT NOT NULL DEFAULT 0,
	failed       INT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs (started_at DESC);
`

// Postgres is the database-backed Store.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

type tokenRow struct {
	Address         string       `db:"address"`
	Name            string       `db:"name"`
	Symbol          string       `db:"symbol"`
	DiscoveredAt    time.Time    `db:"discovered_at"`
	State           string       `db:"state"`
	LastProcessedAt sql.NullTime `db:"last_processed_at"`
	LastError       string       `db:"last_error"`
}

func (r tokenRow) toModel() model.Token {
	t := model.Token{
		Address:      r.Address,
		Name:         r.Name,
		Symbol:       r.Symbol,
		DiscoveredAt: r.DiscoveredAt,
		State:        model.ProcessingState(r.State),
		LastError:    r.LastError,
	}
	if r.LastProcessedAt.Valid {
		t.LastProcessedAt = r.LastProcessedAt.Time
	}
	return t
}

func (p *Postgres) UpsertToken(ctx context.Context, t model.Token) error {
	if t.State == "" {
		t.State = model.StatePending
	}
	if t.Name == "" {
		t.Name = "UNKNOWN"
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tokens (address, name, symbol, discovered_at, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			name   = CASE WHEN EXCLUDED.name   <> 'UNKNOWN' THEN EXCLUDED.name   ELSE tokens.name   END,
			symbol = CASE WHEN EXCLUDED.symbol <> ''        THEN EXCLUDED.symbol ELSE tokens.symbol END`,
		t.Address, t.Name, t.Symbol, t.DiscoveredAt, string(t.State))
	if err != nil {
		return fmt.Errorf("upserting token %s: %w", t.Address, err)
	}
	return nil
}

func (p *Postgres) Token(ctx context.Context, addr string) (model.Token, error) {
	var row tokenRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM tokens WHERE address = $1`, addr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Token{}, ErrTokenNotFound
	}
	if err != nil {
		return model.Token{}, fmt.Errorf("loading token %s: %w", addr, err)
	}
	return row.toModel(), nil
}

func (p *Postgres) TokensByState(ctx context.Context, states ...model.ProcessingState) ([]model.Token, error) {
	query := `SELECT * FROM tokens ORDER BY discovered_at, address`
	args := []interface{}{}
	if len(states) > 0 {
		raw := make([]string, len(states))
		for i, s := range states {
			raw[i] = string(s)
		}
		var err error
		query, args, err = sqlx.In(`SELECT * FROM tokens WHERE state IN (?) ORDER BY discovered_at, address`, raw)
		if err != nil {
			return nil, fmt.Errorf("building token query: %w", err)
		}
		query = p.db.Rebind(query)
	}

	var rows []tokenRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	out := make([]model.Token, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (p *Postgres) SetState(ctx context.Context, addr string, state model.ProcessingState, lastErr string) error {
	query := `UPDATE tokens SET state = $2, last_error = $3 WHERE address = $1`
	if state == model.StateCompleted || state == model.StateFailed {
		query = `UPDATE tokens SET state = $2, last_error = $3, last_processed_at = NOW() WHERE address = $1`
	}
	res, err := p.db.ExecContext(ctx, query, addr, string(state), lastErr)
	if err != nil {
		return fmt.Errorf("updating token %s state: %w", addr, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (p *Postgres) SaveEvaluations(ctx context.Context, evals []model.Evaluation) error {
	if len(evals) == 0 {
		return nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting evaluation batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO evaluations (trader_address, token_address, score, verdict, trace, metrics, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("preparing evaluation insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range evals {
		trace, err := json.Marshal(ev.Trace)
		if err != nil {
			return fmt.Errorf("encoding trace for %s: %w", ev.TraderAddress, err)
		}
		metrics, err := json.Marshal(ev.Metrics)
		if err != nil {
			return fmt.Errorf("encoding metrics for %s: %w", ev.TraderAddress, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.TraderAddress, ev.TokenAddress,
			ev.Score, string(ev.Verdict), trace, metrics, ev.EvaluatedAt); err != nil {
			return fmt.Errorf("inserting evaluation for %s: %w", ev.TraderAddress, err)
		}
	}
	return tx.Commit()
}

type evaluationRow struct {
	TraderAddress string    `db:"trader_address"`
	TokenAddress  string    `db:"token_address"`
	Score         float64   `db:"score"`
	Verdict       string    `db:"verdict"`
	Trace         []byte    `db:"trace"`
	Metrics       []byte    `db:"metrics"`
	EvaluatedAt   time.Time `db:"evaluated_at"`
}

func (p *Postgres) EvaluationsForToken(ctx context.Context, tokenAddr string) ([]model.Evaluation, error) {
	var rows []evaluationRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (trader_address)
			trader_address, token_address, score, verdict, trace, metrics, evaluated_at
		FROM evaluations
		WHERE token_address = $1
		ORDER BY trader_address, evaluated_at DESC`, tokenAddr)
	if err != nil {
		return nil, fmt.Errorf("loading evaluations for %s: %w", tokenAddr, err)
	}

	out := make([]model.Evaluation, 0, len(rows))
	for _, r := range rows {
		ev := model.Evaluation{
			TraderAddress: r.TraderAddress,
			TokenAddress:  r.TokenAddress,
			Score:         r.Score,
			Verdict:       model.Verdict(r.Verdict),
			EvaluatedAt:   r.EvaluatedAt,
		}
		if err := json.Unmarshal(r.Trace, &ev.Trace); err != nil {
			return nil, fmt.Errorf("decoding trace for %s: %w", r.TraderAddress, err)
		}
		if err := json.Unmarshal(r.Metrics, &ev.Metrics); err != nil {
			return nil, fmt.Errorf("decoding metrics for %s: %w", r.TraderAddress, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (p *Postgres) SaveRun(ctx context.Context, run model.ProcessingRun) error {
	states, err := json.Marshal(run.TokenStates)
	if err != nil {
		return fmt.Errorf("encoding run token states: %w", err)
	}
	var endedAt interface{}
	if !run.EndedAt.IsZero() {
		endedAt = run.EndedAt
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (id, trigger_by, started_at, ended_at, status, token_states, succeeded, failed, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at, status = EXCLUDED.status,
			token_states = EXCLUDED.token_states,
			succeeded = EXCLUDED.succeeded, failed = EXCLUDED.failed,
			error = EXCLUDED.error`,
		run.ID, string(run.Trigger), run.StartedAt, endedAt, string(run.Status),
		states, run.Succeeded, run.Failed, run.Error)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

type runRow struct {
	ID          string       `db:"id"`
	TriggerBy   string       `db:"trigger_by"`
	StartedAt   time.Time    `db:"started_at"`
	EndedAt     sql.NullTime `db:"ended_at"`
	Status      string       `db:"status"`
	TokenStates []byte       `db:"token_states"`
	Succeeded   int          `db:"succeeded"`
	Failed      int          `db:"failed"`
	Error       string       `db:"error"`
}

func (r runRow) toModel() (model.ProcessingRun, error) {
	run := model.ProcessingRun{
		ID:        r.ID,
		Trigger:   model.Trigger(r.TriggerBy),
		StartedAt: r.StartedAt,
		Status:    model.RunStatus(r.Status),
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Error:     r.Error,
	}
	if r.EndedAt.Valid {
		run.EndedAt = r.EndedAt.Time
	}
	if err := json.Unmarshal(r.TokenStates, &run.TokenStates); err != nil {
		return model.ProcessingRun{}, fmt.Errorf("decoding run %s token states: %w", r.ID, err)
	}
	return run, nil
}

func (p *Postgres) Run(ctx context.Context, id string) (model.ProcessingRun, error) {
	var row runRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessingRun{}, ErrRunNotFound
	}
	if err != nil {
		return model.ProcessingRun{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	return row.toModel()
}

func (p *Postgres) Runs(ctx context.Context, limit int) ([]model.ProcessingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	out := make([]model.ProcessingRun, 0, len(rows))
	for _, r := range rows {
		run, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}
