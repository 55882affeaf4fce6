package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/db"
	"github.com/sells-group/eb-copilot/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: pool}, pool: pool, closeFn: closeFn}
}

// Pool returns the underlying database pool for subsystems that share it
// (the Postgres task queue).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS verifications (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	payer_name       TEXT NOT NULL,
	plan_name        TEXT NOT NULL DEFAULT '',
	service_category TEXT NOT NULL,
	scheduled_at     TIMESTAMPTZ,
	created_by       TEXT NOT NULL DEFAULT '',
	field_generation INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS patient_info (
	verification_id    TEXT PRIMARY KEY REFERENCES verifications(id),
	patient_name       TEXT NOT NULL,
	date_of_birth      DATE NOT NULL,
	phone              TEXT NOT NULL DEFAULT '',
	patient_identifier TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS insurance_info (
	verification_id         TEXT PRIMARY KEY REFERENCES verifications(id),
	subscriber_name         TEXT NOT NULL DEFAULT '',
	relationship_to_patient TEXT NOT NULL,
	member_id               TEXT NOT NULL,
	group_number            TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS artifacts (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	verification_id TEXT NOT NULL REFERENCES verifications(id),
	type            TEXT NOT NULL,
	source          TEXT NOT NULL,
	filename        TEXT NOT NULL DEFAULT '',
	storage_key     TEXT NOT NULL DEFAULT '',
	text_content    TEXT NOT NULL DEFAULT '',
	sha256          TEXT NOT NULL,
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS summary_fields (
	id                TEXT PRIMARY KEY,
	verification_id   TEXT NOT NULL REFERENCES verifications(id),
	generation        INTEGER NOT NULL,
	field_name        TEXT NOT NULL,
	value_json        JSONB NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	evidence_ref_json JSONB,
	status            TEXT NOT NULL DEFAULT 'draft',
	reviewer_id       TEXT NOT NULL DEFAULT '',
	reviewer_note     TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (verification_id, generation, field_name)
);

CREATE TABLE IF NOT EXISTS draft_summaries (
	id              TEXT PRIMARY KEY,
	verification_id TEXT NOT NULL REFERENCES verifications(id),
	generation      INTEGER NOT NULL,
	model_name      TEXT NOT NULL,
	raw_output      JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (verification_id, generation)
);

CREATE TABLE IF NOT EXISTS generated_reports (
	id              TEXT PRIMARY KEY,
	verification_id TEXT NOT NULL REFERENCES verifications(id),
	storage_key     TEXT NOT NULL,
	sha256          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_events (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	actor_type      TEXT NOT NULL,
	actor_id        TEXT NOT NULL DEFAULT '',
	event_type      TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	verification_id TEXT REFERENCES verifications(id),
	diff_json       JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_verifications_tenant_created ON verifications(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_verifications_tenant_status ON verifications(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_artifacts_verification ON artifacts(verification_id, created_at);
CREATE INDEX IF NOT EXISTS idx_summary_fields_verification ON summary_fields(verification_id, generation);
CREATE INDEX IF NOT EXISTS idx_generated_reports_verification ON generated_reports(verification_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_verification ON audit_events(verification_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_type ON audit_events(tenant_id, event_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

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

// InTx runs fn in a pgx transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgQueries{q: tx})
	})
}

// pgQueries implements Tx over either the pool or an open transaction.
type pgQueries struct {
	q db.Querier
}

func pgNotFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "%s %s", what, id)
	}
	return eris.Wrapf(err, "postgres: get %s %s", what, id)
}

func (p *pgQueries) GetVerification(ctx context.Context, id string) (*model.Verification, error) {
	row := p.q.QueryRow(ctx, `SELECT `+verificationColumns+` FROM `+verificationFrom+` WHERE v.id = $1`, id)
	v, err := scanVerification(row)
	if err != nil {
		return nil, pgNotFound(err, "verification", id)
	}
	return v, nil
}

func (p *pgQueries) LockVerification(ctx context.Context, id string) (*model.Verification, error) {
	row := p.q.QueryRow(ctx, `SELECT `+verificationColumns+` FROM `+verificationFrom+` WHERE v.id = $1 FOR UPDATE OF v`, id)
	v, err := scanVerification(row)
	if err != nil {
		return nil, pgNotFound(err, "verification", id)
	}
	return v, nil
}

func (p *pgQueries) ListVerifications(ctx context.Context, filter model.VerificationFilter) ([]model.VerificationListItem, int, error) {
	filter = filter.Normalize()

	where := []string{"v.tenant_id = $1"}
	args := []any{filter.TenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("v.status = $%d", len(args)))
	}
	if filter.Payer != "" {
		args = append(args, "%"+filter.Payer+"%")
		where = append(where, fmt.Sprintf("v.payer_name ILIKE $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("v.created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("v.created_at <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.q.QueryRow(ctx, `SELECT count(*) FROM verifications v WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count verifications")
	}

	args = append(args, filter.PageSize, filter.Offset())
	query := fmt.Sprintf(`SELECT %s FROM verifications v JOIN patient_info p ON p.verification_id = v.id
		WHERE %s ORDER BY v.created_at DESC, v.id LIMIT $%d OFFSET $%d`,
		listItemColumns, cond, len(args)-1, len(args))

	items, err := p.listItems(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (p *pgQueries) ListTenantVerifications(ctx context.Context, tenantID string) ([]model.VerificationListItem, error) {
	return p.listItems(ctx, `SELECT `+listItemColumns+` FROM verifications v JOIN patient_info p ON p.verification_id = v.id
		WHERE v.tenant_id = $1 ORDER BY v.created_at DESC, v.id`, tenantID)
}

func (p *pgQueries) listItems(ctx context.Context, query string, args ...any) ([]model.VerificationListItem, error) {
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list verifications")
	}
	defer rows.Close()

	var items []model.VerificationListItem
	for rows.Next() {
		it, err := scanListItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan verification")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list verifications iterate")
}

func (p *pgQueries) CreateVerification(ctx context.Context, v *model.Verification) error {
	if v.Patient == nil || v.Insurance == nil {
		return eris.Wrap(model.ErrInvalid, "postgres: verification requires patient and insurance info")
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = model.StatusPending
	}
	ts := now()
	v.CreatedAt, v.UpdatedAt = ts, ts

	if _, err := p.q.Exec(ctx,
		`INSERT INTO verifications (id, tenant_id, status, payer_name, plan_name, service_category, scheduled_at, created_by, field_generation, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.TenantID, string(v.Status), v.PayerName, v.PlanName, v.ServiceCategory, v.ScheduledAt, v.CreatedBy, v.FieldGeneration, ts, ts,
	); err != nil {
		return eris.Wrap(err, "postgres: insert verification")
	}
	if _, err := p.q.Exec(ctx,
		`INSERT INTO patient_info (verification_id, patient_name, date_of_birth, phone, patient_identifier) VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.Patient.PatientName, v.Patient.DateOfBirth, v.Patient.Phone, v.Patient.PatientIdentifier,
	); err != nil {
		return eris.Wrap(err, "postgres: insert patient info")
	}
	if _, err := p.q.Exec(ctx,
		`INSERT INTO insurance_info (verification_id, subscriber_name, relationship_to_patient, member_id, group_number) VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.Insurance.SubscriberName, v.Insurance.RelationshipToPatient, v.Insurance.MemberID, v.Insurance.GroupNumber,
	); err != nil {
		return eris.Wrap(err, "postgres: insert insurance info")
	}
	return nil
}

func (p *pgQueries) UpdateVerificationStatus(ctx context.Context, id string, status model.Status) error {
	tag, err := p.q.Exec(ctx, `UPDATE verifications SET status = $1, updated_at = $2 WHERE id = $3`, string(status), now(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update verification status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "verification %s", id)
	}
	return nil
}

func (p *pgQueries) UpdateVerificationDetails(ctx context.Context, v *model.Verification) error {
	v.UpdatedAt = now()
	tag, err := p.q.Exec(ctx,
		`UPDATE verifications SET payer_name = $1, plan_name = $2, service_category = $3, scheduled_at = $4, updated_at = $5 WHERE id = $6`,
		v.PayerName, v.PlanName, v.ServiceCategory, v.ScheduledAt, v.UpdatedAt, v.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update verification %s", v.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "verification %s", v.ID)
	}
	return nil
}

func (p *pgQueries) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = now()
	_, err := p.q.Exec(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.TenantID, a.VerificationID, string(a.Type), string(a.Source), a.Filename, a.StorageKey, a.TextContent, a.SHA256, a.CreatedBy, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert artifact")
}

func (p *pgQueries) ListArtifacts(ctx context.Context, verificationID string) ([]model.Artifact, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE verification_id = $1 ORDER BY created_at, id`, verificationID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts")
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list artifacts iterate")
}

func (p *pgQueries) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := scanArtifact(p.q.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
	if err != nil {
		return nil, pgNotFound(err, "artifact", id)
	}
	return a, nil
}

func (p *pgQueries) ReplaceSummary(ctx context.Context, verificationID string, draft *model.DraftSummary, fields []model.SummaryField) (int, error) {
	var current int
	if err := p.q.QueryRow(ctx, `SELECT field_generation FROM verifications WHERE id = $1`, verificationID).Scan(&current); err != nil {
		return 0, pgNotFound(err, "verification", verificationID)
	}
	gen := current + 1
	ts := now()

	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	draft.VerificationID, draft.Generation, draft.CreatedAt = verificationID, gen, ts
	if _, err := p.q.Exec(ctx,
		`INSERT INTO draft_summaries (`+draftColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		draft.ID, verificationID, gen, draft.ModelName, []byte(draft.RawOutput), ts,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: insert draft summary")
	}

	rows := make([][]any, 0, len(fields))
	for i := range fields {
		f := &fields[i]
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		f.VerificationID, f.Generation, f.UpdatedAt = verificationID, gen, ts
		row, err := fieldRow(*f)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	if _, err := db.CopyFrom(ctx, p.q, "summary_fields", summaryFieldInsertColumns, rows); err != nil {
		return 0, eris.Wrap(err, "postgres: insert summary fields")
	}

	if _, err := p.q.Exec(ctx,
		`UPDATE verifications SET field_generation = $1, updated_at = $2 WHERE id = $3`, gen, ts, verificationID,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: swap field generation")
	}
	if _, err := p.q.Exec(ctx,
		`DELETE FROM summary_fields WHERE verification_id = $1 AND generation < $2`, verificationID, gen,
	); err != nil {
		return 0, eris.Wrap(err, "postgres: prune field generations")
	}
	return gen, nil
}

func (p *pgQueries) ListSummaryFields(ctx context.Context, verificationID string) ([]model.SummaryField, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+summaryFieldColumns+` FROM summary_fields sf
		 JOIN verifications v ON v.id = sf.verification_id AND sf.generation = v.field_generation
		 WHERE sf.verification_id = $1 ORDER BY sf.field_name`, verificationID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list summary fields")
	}
	defer rows.Close()

	var out []model.SummaryField
	for rows.Next() {
		f, err := scanSummaryField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan summary field")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list summary fields iterate")
}

func (p *pgQueries) GetSummaryField(ctx context.Context, verificationID, fieldName string) (*model.SummaryField, error) {
	row := p.q.QueryRow(ctx,
		`SELECT `+summaryFieldColumns+` FROM summary_fields sf
		 JOIN verifications v ON v.id = sf.verification_id AND sf.generation = v.field_generation
		 WHERE sf.verification_id = $1 AND sf.field_name = $2`, verificationID, fieldName)
	f, err := scanSummaryField(row)
	if err != nil {
		return nil, pgNotFound(err, "summary field", fieldName)
	}
	return f, nil
}

func (p *pgQueries) UpdateSummaryField(ctx context.Context, f *model.SummaryField) error {
	f.UpdatedAt = now()
	tag, err := p.q.Exec(ctx,
		`UPDATE summary_fields SET value_json = $1, status = $2, reviewer_id = $3, reviewer_note = $4, updated_at = $5 WHERE id = $6`,
		[]byte(f.Value), string(f.Status), f.ReviewerID, f.ReviewerNote, f.UpdatedAt, f.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update summary field %s", f.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "summary field %s", f.ID)
	}
	return nil
}

func (p *pgQueries) LatestDraftSummary(ctx context.Context, verificationID string) (*model.DraftSummary, error) {
	d, err := scanDraft(p.q.QueryRow(ctx,
		`SELECT `+draftColumns+` FROM draft_summaries WHERE verification_id = $1 ORDER BY generation DESC LIMIT 1`, verificationID))
	if err != nil {
		return nil, pgNotFound(err, "draft summary", verificationID)
	}
	return d, nil
}

func (p *pgQueries) CreateReport(ctx context.Context, r *model.GeneratedReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = now()
	_, err := p.q.Exec(ctx,
		`INSERT INTO generated_reports (`+reportColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.VerificationID, r.StorageKey, r.SHA256, r.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert report")
}

func (p *pgQueries) LatestReport(ctx context.Context, verificationID string) (*model.GeneratedReport, error) {
	r, err := scanReport(p.q.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM generated_reports WHERE verification_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, verificationID))
	if err != nil {
		return nil, pgNotFound(err, "report", verificationID)
	}
	return r, nil
}

func (p *pgQueries) AppendAudit(ctx context.Context, e *model.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = now()
	_, err := p.q.Exec(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, string(e.ActorType), e.ActorID, string(e.EventType), string(e.EntityType), e.EntityID,
		nullable(e.VerificationID), rawJSON(e.Diff), e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert audit event %s", e.EventType)
}

func (p *pgQueries) ListAuditEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	where := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	if filter.VerificationID != "" {
		args = append(args, filter.VerificationID)
		where = append(where, fmt.Sprintf("verification_id = $%d", len(args)))
	}
	if filter.EventType != "" {
		args = append(args, string(filter.EventType))
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit events")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit events iterate")
}
