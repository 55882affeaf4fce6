package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/eb-copilot/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is pinned to one connection so that a transaction serializes all
// writers, which is what LockVerification relies on.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
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
	return &SQLiteStore{sqliteQueries: sqliteQueries{q: db}, db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS verifications (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	payer_name       TEXT NOT NULL,
	plan_name        TEXT NOT NULL DEFAULT '',
	service_category TEXT NOT NULL,
	scheduled_at     DATETIME,
	created_by       TEXT NOT NULL DEFAULT '',
	field_generation INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
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
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS summary_fields (
	id                TEXT PRIMARY KEY,
	verification_id   TEXT NOT NULL REFERENCES verifications(id),
	generation        INTEGER NOT NULL,
	field_name        TEXT NOT NULL,
	value_json        TEXT NOT NULL,
	confidence        REAL NOT NULL,
	evidence_ref_json TEXT,
	status            TEXT NOT NULL DEFAULT 'draft',
	reviewer_id       TEXT NOT NULL DEFAULT '',
	reviewer_note     TEXT NOT NULL DEFAULT '',
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (verification_id, generation, field_name)
);

CREATE TABLE IF NOT EXISTS draft_summaries (
	id              TEXT PRIMARY KEY,
	verification_id TEXT NOT NULL REFERENCES verifications(id),
	generation      INTEGER NOT NULL,
	model_name      TEXT NOT NULL,
	raw_output      TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (verification_id, generation)
);

CREATE TABLE IF NOT EXISTS generated_reports (
	id              TEXT PRIMARY KEY,
	verification_id TEXT NOT NULL REFERENCES verifications(id),
	storage_key     TEXT NOT NULL,
	sha256          TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
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
	diff_json       TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_verifications_tenant_created ON verifications(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_verifications_tenant_status ON verifications(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_artifacts_verification ON artifacts(verification_id, created_at);
CREATE INDEX IF NOT EXISTS idx_summary_fields_verification ON summary_fields(verification_id, generation);
CREATE INDEX IF NOT EXISTS idx_generated_reports_verification ON generated_reports(verification_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_verification ON audit_events(verification_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_type ON audit_events(tenant_id, event_type);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx runs fn in a database/sql transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteQueries{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	q sqlQuerier
}

func sqliteNotFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "%s %s", what, id)
	}
	return eris.Wrapf(err, "sqlite: get %s %s", what, id)
}

func checkRowsAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", what, id)
	}
	return nil
}

// textJSON stores JSON payloads as TEXT rather than BLOB.
func textJSON(v any) any {
	if b, ok := v.([]byte); ok {
		if b == nil {
			return nil
		}
		return string(b)
	}
	return v
}

func (s *sqliteQueries) GetVerification(ctx context.Context, id string) (*model.Verification, error) {
	v, err := scanVerification(s.q.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM `+verificationFrom+` WHERE v.id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "verification", id)
	}
	return v, nil
}

// LockVerification is a plain read: the single-connection pool already
// serializes transactions.
func (s *sqliteQueries) LockVerification(ctx context.Context, id string) (*model.Verification, error) {
	return s.GetVerification(ctx, id)
}

func (s *sqliteQueries) ListVerifications(ctx context.Context, filter model.VerificationFilter) ([]model.VerificationListItem, int, error) {
	filter = filter.Normalize()

	where := []string{"v.tenant_id = ?"}
	args := []any{filter.TenantID}
	if filter.Status != "" {
		where = append(where, "v.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Payer != "" {
		where = append(where, "v.payer_name LIKE ?")
		args = append(args, "%"+filter.Payer+"%")
	}
	if filter.From != nil {
		where = append(where, "v.created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "v.created_at <= ?")
		args = append(args, filter.To.UTC())
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM verifications v WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count verifications")
	}

	args = append(args, filter.PageSize, filter.Offset())
	items, err := s.listItems(ctx, `SELECT `+listItemColumns+` FROM verifications v JOIN patient_info p ON p.verification_id = v.id
		WHERE `+cond+` ORDER BY v.created_at DESC, v.id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *sqliteQueries) ListTenantVerifications(ctx context.Context, tenantID string) ([]model.VerificationListItem, error) {
	return s.listItems(ctx, `SELECT `+listItemColumns+` FROM verifications v JOIN patient_info p ON p.verification_id = v.id
		WHERE v.tenant_id = ? ORDER BY v.created_at DESC, v.id`, tenantID)
}

func (s *sqliteQueries) listItems(ctx context.Context, query string, args ...any) ([]model.VerificationListItem, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list verifications")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.VerificationListItem
	for rows.Next() {
		it, err := scanListItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan verification")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list verifications iterate")
}

func (s *sqliteQueries) CreateVerification(ctx context.Context, v *model.Verification) error {
	if v.Patient == nil || v.Insurance == nil {
		return eris.Wrap(model.ErrInvalid, "sqlite: verification requires patient and insurance info")
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = model.StatusPending
	}
	ts := now()
	v.CreatedAt, v.UpdatedAt = ts, ts

	var scheduled any
	if v.ScheduledAt != nil {
		scheduled = v.ScheduledAt.UTC()
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO verifications (id, tenant_id, status, payer_name, plan_name, service_category, scheduled_at, created_by, field_generation, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TenantID, string(v.Status), v.PayerName, v.PlanName, v.ServiceCategory, scheduled, v.CreatedBy, v.FieldGeneration, ts, ts,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert verification")
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO patient_info (verification_id, patient_name, date_of_birth, phone, patient_identifier) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.Patient.PatientName, v.Patient.DateOfBirth.UTC(), v.Patient.Phone, v.Patient.PatientIdentifier,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert patient info")
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO insurance_info (verification_id, subscriber_name, relationship_to_patient, member_id, group_number) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.Insurance.SubscriberName, v.Insurance.RelationshipToPatient, v.Insurance.MemberID, v.Insurance.GroupNumber,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert insurance info")
	}
	return nil
}

func (s *sqliteQueries) UpdateVerificationStatus(ctx context.Context, id string, status model.Status) error {
	res, err := s.q.ExecContext(ctx, `UPDATE verifications SET status = ?, updated_at = ? WHERE id = ?`, string(status), now(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update verification status %s", id)
	}
	return checkRowsAffected(res, "verification", id)
}

func (s *sqliteQueries) UpdateVerificationDetails(ctx context.Context, v *model.Verification) error {
	v.UpdatedAt = now()
	var scheduled any
	if v.ScheduledAt != nil {
		scheduled = v.ScheduledAt.UTC()
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE verifications SET payer_name = ?, plan_name = ?, service_category = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		v.PayerName, v.PlanName, v.ServiceCategory, scheduled, v.UpdatedAt, v.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update verification %s", v.ID)
	}
	return checkRowsAffected(res, "verification", v.ID)
}

func (s *sqliteQueries) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = now()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.VerificationID, string(a.Type), string(a.Source), a.Filename, a.StorageKey, a.TextContent, a.SHA256, a.CreatedBy, a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert artifact")
}

func (s *sqliteQueries) ListArtifacts(ctx context.Context, verificationID string) ([]model.Artifact, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE verification_id = ? ORDER BY created_at, rowid`, verificationID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list artifacts iterate")
}

func (s *sqliteQueries) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := scanArtifact(s.q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteNotFound(err, "artifact", id)
	}
	return a, nil
}

func (s *sqliteQueries) ReplaceSummary(ctx context.Context, verificationID string, draft *model.DraftSummary, fields []model.SummaryField) (int, error) {
	var current int
	if err := s.q.QueryRowContext(ctx, `SELECT field_generation FROM verifications WHERE id = ?`, verificationID).Scan(&current); err != nil {
		return 0, sqliteNotFound(err, "verification", verificationID)
	}
	gen := current + 1
	ts := now()

	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	draft.VerificationID, draft.Generation, draft.CreatedAt = verificationID, gen, ts
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO draft_summaries (`+draftColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		draft.ID, verificationID, gen, draft.ModelName, string(draft.RawOutput), ts,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert draft summary")
	}

	insert := `INSERT INTO summary_fields (` + strings.Join(summaryFieldInsertColumns, ", ") + `) VALUES (?` +
		strings.Repeat(", ?", len(summaryFieldInsertColumns)-1) + `)`
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
		for j := range row {
			row[j] = textJSON(row[j])
		}
		if _, err := s.q.ExecContext(ctx, insert, row...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert summary field %s", f.FieldName)
		}
	}

	if _, err := s.q.ExecContext(ctx,
		`UPDATE verifications SET field_generation = ?, updated_at = ? WHERE id = ?`, gen, ts, verificationID,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: swap field generation")
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM summary_fields WHERE verification_id = ? AND generation < ?`, verificationID, gen,
	); err != nil {
		return 0, eris.Wrap(err, "sqlite: prune field generations")
	}
	return gen, nil
}

func (s *sqliteQueries) ListSummaryFields(ctx context.Context, verificationID string) ([]model.SummaryField, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+summaryFieldColumns+` FROM summary_fields sf
		 JOIN verifications v ON v.id = sf.verification_id AND sf.generation = v.field_generation
		 WHERE sf.verification_id = ? ORDER BY sf.field_name`, verificationID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list summary fields")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SummaryField
	for rows.Next() {
		f, err := scanSummaryField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary field")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list summary fields iterate")
}

func (s *sqliteQueries) GetSummaryField(ctx context.Context, verificationID, fieldName string) (*model.SummaryField, error) {
	f, err := scanSummaryField(s.q.QueryRowContext(ctx,
		`SELECT `+summaryFieldColumns+` FROM summary_fields sf
		 JOIN verifications v ON v.id = sf.verification_id AND sf.generation = v.field_generation
		 WHERE sf.verification_id = ? AND sf.field_name = ?`, verificationID, fieldName))
	if err != nil {
		return nil, sqliteNotFound(err, "summary field", fieldName)
	}
	return f, nil
}

func (s *sqliteQueries) UpdateSummaryField(ctx context.Context, f *model.SummaryField) error {
	f.UpdatedAt = now()
	res, err := s.q.ExecContext(ctx,
		`UPDATE summary_fields SET value_json = ?, status = ?, reviewer_id = ?, reviewer_note = ?, updated_at = ? WHERE id = ?`,
		string(f.Value), string(f.Status), f.ReviewerID, f.ReviewerNote, f.UpdatedAt, f.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update summary field %s", f.ID)
	}
	return checkRowsAffected(res, "summary field", f.ID)
}

func (s *sqliteQueries) LatestDraftSummary(ctx context.Context, verificationID string) (*model.DraftSummary, error) {
	d, err := scanDraft(s.q.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM draft_summaries WHERE verification_id = ? ORDER BY generation DESC LIMIT 1`, verificationID))
	if err != nil {
		return nil, sqliteNotFound(err, "draft summary", verificationID)
	}
	return d, nil
}

func (s *sqliteQueries) CreateReport(ctx context.Context, r *model.GeneratedReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = now()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO generated_reports (`+reportColumns+`) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.VerificationID, r.StorageKey, r.SHA256, r.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert report")
}

func (s *sqliteQueries) LatestReport(ctx context.Context, verificationID string) (*model.GeneratedReport, error) {
	r, err := scanReport(s.q.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM generated_reports WHERE verification_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, verificationID))
	if err != nil {
		return nil, sqliteNotFound(err, "report", verificationID)
	}
	return r, nil
}

func (s *sqliteQueries) AppendAudit(ctx context.Context, e *model.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = now()
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, string(e.ActorType), e.ActorID, string(e.EventType), string(e.EntityType), e.EntityID,
		nullable(e.VerificationID), textJSON(rawJSON(e.Diff)), e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert audit event %s", e.EventType)
}

func (s *sqliteQueries) ListAuditEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	where := []string{"tenant_id = ?"}
	args := []any{filter.TenantID}
	if filter.VerificationID != "" {
		where = append(where, "verification_id = ?")
		args = append(args, filter.VerificationID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEvent
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit events iterate")
}
