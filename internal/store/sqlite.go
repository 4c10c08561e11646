package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-enricher/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// local runs and tests; all access goes through a single connection so
// writers are serialized.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path with WAL mode and a
// busy timeout.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prospects (
	id                      TEXT PRIMARY KEY,
	domain                  TEXT NOT NULL UNIQUE,
	company_name            TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL DEFAULT 'pending',
	source                  TEXT NOT NULL DEFAULT 'manual',
	contact_count           INTEGER NOT NULL DEFAULT 0,
	icebreaker_text         TEXT NOT NULL DEFAULT '',
	icebreaker_generated_at DATETIME,
	enrichment_retry_count  INTEGER NOT NULL DEFAULT 0,
	enrichment_locked_at    DATETIME,
	enrichment_locked_by    TEXT NOT NULL DEFAULT '',
	last_enrichment_attempt DATETIME,
	notes                   TEXT NOT NULL DEFAULT '',
	created_at              DATETIME NOT NULL,
	updated_at              DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prospects_status_created ON prospects(status, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_prospects_locked_at ON prospects(enrichment_locked_at);

CREATE TABLE IF NOT EXISTS contacts (
	id                TEXT PRIMARY KEY,
	prospect_id       TEXT NOT NULL REFERENCES prospects(id),
	email             TEXT NOT NULL DEFAULT '',
	first_name        TEXT NOT NULL DEFAULT '',
	last_name         TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL DEFAULT '',
	confidence_score  INTEGER NOT NULL DEFAULT 0,
	contact_type      TEXT NOT NULL DEFAULT 'personal',
	is_primary        INTEGER NOT NULL DEFAULT 0,
	is_decision_maker INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contacts_prospect ON contacts(prospect_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_prospect_email ON contacts(prospect_id, lower(email)) WHERE email <> '';

CREATE TABLE IF NOT EXISTS jobs (
	id                       TEXT PRIMARY KEY,
	kind                     TEXT NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'running',
	total_count              INTEGER NOT NULL DEFAULT 0,
	processed_count          INTEGER NOT NULL DEFAULT 0,
	success_count            INTEGER NOT NULL DEFAULT 0,
	failure_count            INTEGER NOT NULL DEFAULT 0,
	batch_size               INTEGER NOT NULL DEFAULT 6,
	chain                    INTEGER NOT NULL DEFAULT 1,
	force_regenerate         INTEGER NOT NULL DEFAULT 0,
	last_processed_report_id TEXT NOT NULL DEFAULT '',
	last_error               TEXT NOT NULL DEFAULT '',
	created_at               DATETIME NOT NULL,
	updated_at               DATETIME NOT NULL,
	completed_at             DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_failures (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES jobs(id),
	prospect_id TEXT NOT NULL,
	domain      TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'permanent',
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_failures_job ON job_failures(job_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	field      TEXT NOT NULL,
	old_value  TEXT NOT NULL DEFAULT '',
	new_value  TEXT NOT NULL DEFAULT '',
	note       TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(table_name, record_id, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Prospects ---

func (s *SQLiteStore) CreateProspects(ctx context.Context, prospects []model.Prospect) (int, error) {
	if len(prospects) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin create prospects")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	inserted := 0
	for _, p := range prospects {
		p = prepareProspect(p, now)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO prospects (id, domain, company_name, status, source, notes, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (domain) DO NOTHING`,
			p.ID, p.Domain, p.CompanyName, string(p.Status), string(p.Source), p.Notes, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert prospect %s", p.Domain)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit create prospects")
}

func (s *SQLiteStore) GetProspect(ctx context.Context, id string) (*model.Prospect, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = ?`, id)
	p, err := scanSQLiteProspect(row)
	return p, eris.Wrapf(err, "sqlite: get prospect %s", id)
}

func (s *SQLiteStore) GetProspectByDomain(ctx context.Context, domain string) (*model.Prospect, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE domain = ?`, domain)
	p, err := scanSQLiteProspect(row)
	return p, eris.Wrapf(err, "sqlite: get prospect by domain %s", domain)
}

func (s *SQLiteStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error) {
	q := newQuery(false, `SELECT `+prospectColumns+` FROM prospects WHERE 1=1`)
	if filter.Status != "" {
		q.add("AND status = %s", q.arg(string(filter.Status)))
	}
	q.add("ORDER BY created_at DESC, id DESC LIMIT %s", q.arg(listLimit(filter.Limit)))
	if filter.Offset > 0 {
		q.add("OFFSET %s", q.arg(filter.Offset))
	}
	return s.queryProspects(ctx, q, "list prospects")
}

func (s *SQLiteStore) UpdateProspect(ctx context.Context, id string, upd model.ProspectUpdate, note, actor string) (bool, error) {
	changed, _, err := s.mutateProspect(ctx, id, func(model.Prospect) model.ProspectUpdate { return upd }, note, actor)
	return changed, err
}

func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id, note, actor string) (int, error) {
	_, p, err := s.mutateProspect(ctx, id, func(cur model.Prospect) model.ProspectUpdate {
		return model.ProspectUpdate{EnrichmentRetryCount: model.Ptr(cur.EnrichmentRetryCount + 1)}
	}, note, actor)
	if err != nil {
		return 0, err
	}
	return p.EnrichmentRetryCount, nil
}

// mutateProspect reads the current row, derives an update from it, and
// writes only the changed columns together with their audit rows.
func (s *SQLiteStore) mutateProspect(ctx context.Context, id string, fn func(model.Prospect) model.ProspectUpdate, note, actor string) (bool, *model.Prospect, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: begin update prospect")
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := scanSQLiteProspect(tx.QueryRowContext(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = ?`, id))
	if err != nil {
		return false, nil, eris.Wrapf(err, "sqlite: load prospect %s", id)
	}

	changes := diffProspect(*cur, fn(*cur))
	if len(changes) == 0 {
		return false, cur, nil
	}

	now := s.now()
	q := newQuery(false, "UPDATE prospects SET")
	for _, c := range changes {
		q.add("%s = %s,", c.Column, q.arg(c.Value))
	}
	q.add("updated_at = %s WHERE id = %s", q.arg(now), q.arg(id))
	if _, err := tx.ExecContext(ctx, q.String(), q.args...); err != nil {
		return false, nil, eris.Wrapf(err, "sqlite: update prospect %s", id)
	}
	if err := s.insertAudit(ctx, tx, auditRows(model.AuditTableProspects, id, changes, note, actor, now)); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, eris.Wrap(err, "sqlite: commit update prospect")
	}

	applyChanges(cur, changes)
	cur.UpdatedAt = now
	return true, cur, nil
}

func (s *SQLiteStore) ListEligible(ctx context.Context, eq EligibleQuery) ([]model.Prospect, error) {
	q := newQuery(false, `SELECT `+prospectColumns+` FROM prospects`)
	eligibleWhere(q, eq, true)
	q.add("ORDER BY created_at DESC, id DESC LIMIT %s", q.arg(listLimit(eq.Limit)))
	return s.queryProspects(ctx, q, "list eligible")
}

func (s *SQLiteStore) CountEligible(ctx context.Context, eq EligibleQuery) (int, error) {
	q := newQuery(false, `SELECT COUNT(*) FROM prospects`)
	eligibleWhere(q, eq, false)
	var n int
	err := s.db.QueryRowContext(ctx, q.String(), q.args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count eligible")
}

func (s *SQLiteStore) ListStaleLocked(ctx context.Context, lockedBefore time.Time) ([]model.Prospect, error) {
	q := newQuery(false, `SELECT `+prospectColumns+` FROM prospects`)
	q.add("WHERE status = %s AND enrichment_locked_at IS NOT NULL AND enrichment_locked_at < %s ORDER BY created_at DESC, id DESC",
		q.arg(string(model.ProspectStatusEnriching)), q.arg(lockedBefore.UTC()))
	return s.queryProspects(ctx, q, "list stale locked")
}

func (s *SQLiteStore) ListOrphaned(ctx context.Context) ([]model.Prospect, error) {
	q := newQuery(false, `SELECT `+prospectColumns+` FROM prospects`)
	q.add("WHERE status = %s AND enrichment_locked_at IS NULL ORDER BY created_at DESC, id DESC",
		q.arg(string(model.ProspectStatusEnriching)))
	return s.queryProspects(ctx, q, "list orphaned")
}

func (s *SQLiteStore) queryProspects(ctx context.Context, q *sqlQuery, action string) ([]model.Prospect, error) {
	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", action)
	}
	defer rows.Close()

	var out []model.Prospect
	for rows.Next() {
		p, err := scanSQLiteProspect(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s", action)
		}
		out = append(out, *p)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", action)
}

// --- Locks ---

func (s *SQLiteStore) TryLockProspect(ctx context.Context, lp LockParams) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin lock")
	}
	defer tx.Rollback() //nolint:errcheck

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM prospects WHERE id = ?`, lp.ProspectID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "sqlite: lock prospect %s", lp.ProspectID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lock prospect %s", lp.ProspectID)
	}

	now := lp.Now.UTC()
	q := newQuery(false, "UPDATE prospects SET")
	q.add("status = %s, enrichment_locked_at = %s, enrichment_locked_by = %s, last_enrichment_attempt = %s, updated_at = %s",
		q.arg(string(model.ProspectStatusEnriching)), q.arg(now), q.arg(lp.WorkerID), q.arg(now), q.arg(now))
	q.add("WHERE id = %s AND (enrichment_locked_at IS NULL OR enrichment_locked_at < %s)",
		q.arg(lp.ProspectID), q.arg(lp.StaleBefore.UTC()))
	if !lp.AllowTerminal {
		q.add("AND status NOT IN (%s)", terminalStatusList())
	}

	res, err := tx.ExecContext(ctx, q.String(), q.args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lock prospect %s", lp.ProspectID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if prev != string(model.ProspectStatusEnriching) {
		entries := auditRows(model.AuditTableProspects, lp.ProspectID, []fieldChange{{
			Column: "status", Old: prev, New: string(model.ProspectStatusEnriching),
		}}, "enrichment lock acquired", lp.WorkerID, now)
		if err := s.insertAudit(ctx, tx, entries); err != nil {
			return false, err
		}
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit lock")
}

func (s *SQLiteStore) UnlockProspect(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE prospects SET enrichment_locked_at = NULL, enrichment_locked_by = '' WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: unlock prospect %s", id)
}

func (s *SQLiteStore) UnlockAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prospects SET enrichment_locked_at = NULL, enrichment_locked_by = '' WHERE enrichment_locked_at IS NOT NULL`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: unlock all")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Contacts ---

func (s *SQLiteStore) ListContacts(ctx context.Context, prospectID string) ([]model.Contact, error) {
	return s.listContacts(ctx, s.db, prospectID)
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) listContacts(ctx context.Context, qr sqliteQuerier, prospectID string) ([]model.Contact, error) {
	rows, err := qr.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE prospect_id = ?
		 ORDER BY is_primary DESC, confidence_score DESC, created_at, id`, prospectID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list contacts %s", prospectID)
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var c model.Contact
		var ctype string
		if err := rows.Scan(&c.ID, &c.ProspectID, &c.Email, &c.FirstName, &c.LastName, &c.Title, &c.Phone,
			&c.Source, &c.ConfidenceScore, &ctype, &c.IsPrimary, &c.IsDecisionMaker, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		c.ContactType = model.ContactType(ctype)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list contacts iterate")
}

func (s *SQLiteStore) InsertContacts(ctx context.Context, prospectID string, contacts []model.Contact) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert contacts")
	}
	defer tx.Rollback() //nolint:errcheck

	var oldCount int
	err = tx.QueryRowContext(ctx, `SELECT contact_count FROM prospects WHERE id = ?`, prospectID).Scan(&oldCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "sqlite: insert contacts for %s", prospectID)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: load prospect %s", prospectID)
	}

	existing, err := s.listContacts(ctx, tx, prospectID)
	if err != nil {
		return 0, err
	}
	fresh := prepareContacts(prospectID, existing, contacts, s.now())

	var audit []model.AuditEntry
	for _, c := range fresh {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProspectID, c.Email, c.FirstName, c.LastName, c.Title, c.Phone, c.Source,
			c.ConfidenceScore, string(c.ContactType), c.IsPrimary, c.IsDecisionMaker, c.CreatedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert contact %s", c.Email)
		}
		audit = append(audit, contactAudit(c))
	}

	newCount := len(existing) + len(fresh)
	if newCount != oldCount {
		now := s.now()
		if _, err := tx.ExecContext(ctx, `UPDATE prospects SET contact_count = ?, updated_at = ? WHERE id = ?`,
			newCount, now, prospectID); err != nil {
			return 0, eris.Wrapf(err, "sqlite: update contact count %s", prospectID)
		}
		audit = append(audit, contactCountAudit(prospectID, oldCount, newCount, now))
	}

	if err := s.insertAudit(ctx, tx, audit); err != nil {
		return 0, err
	}
	return len(fresh), eris.Wrap(tx.Commit(), "sqlite: commit insert contacts")
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	prepareJob(job, s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), string(job.Status), job.TotalCount, job.ProcessedCount, job.SuccessCount,
		job.FailureCount, job.BatchSize, job.Chain, job.ForceRegenerate, job.LastProcessedReportID,
		job.LastError, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	return j, eris.Wrapf(err, "sqlite: get job %s", id)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	q := newQuery(false, `SELECT `+jobColumns+` FROM jobs WHERE 1=1`)
	if filter.Status != "" {
		q.add("AND status = %s", q.arg(string(filter.Status)))
	}
	if filter.Kind != "" {
		q.add("AND kind = %s", q.arg(string(filter.Kind)))
	}
	q.add("ORDER BY created_at DESC, id DESC LIMIT %s", q.arg(listLimit(filter.Limit)))

	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list jobs")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, lastError string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin set job status")
	}
	defer tx.Rollback() //nolint:errcheck

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: load job %s", id)
	}
	if !statusIn(model.JobStatus(cur), from) {
		return false, nil
	}

	now := s.now()
	var completedAt *time.Time
	if to == model.JobStatusCompleted {
		completedAt = &now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND status = ?`,
		string(to), lastError, now, completedAt, id, cur,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: set job status %s", id)
	}

	if cur != string(to) {
		entries := auditRows(model.AuditTableJobs, id, []fieldChange{{Column: "status", Old: cur, New: string(to)}}, lastError, "", now)
		if err := s.insertAudit(ctx, tx, entries); err != nil {
			return false, err
		}
	}
	return true, eris.Wrap(tx.Commit(), "sqlite: commit set job status")
}

func (s *SQLiteStore) RecordJobProgress(ctx context.Context, id string, p model.JobProgress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET processed_count = processed_count + 1,
			success_count = success_count + ?, failure_count = failure_count + ?,
			last_processed_report_id = ?, updated_at = ?
		 WHERE id = ?`,
		boolToInt(p.Success), boolToInt(p.Failure), p.ProspectID, s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record job progress %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) PauseRunningJobs(ctx context.Context, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin pause jobs")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status = ?`, string(model.JobStatusRunning))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: list running jobs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			return 0, eris.Wrap(err, "sqlite: scan job id")
		}
		ids = append(ids, id)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: list running jobs iterate")
	}

	now := s.now()
	var audit []model.AuditEntry
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			string(model.JobStatusPaused), reason, now, id); err != nil {
			return 0, eris.Wrapf(err, "sqlite: pause job %s", id)
		}
		audit = append(audit, auditRows(model.AuditTableJobs, id, []fieldChange{{
			Column: "status", Old: string(model.JobStatusRunning), New: string(model.JobStatusPaused),
		}}, reason, "", now)...)
	}
	if err := s.insertAudit(ctx, tx, audit); err != nil {
		return 0, err
	}
	return len(ids), eris.Wrap(tx.Commit(), "sqlite: commit pause jobs")
}

func (s *SQLiteStore) RecordJobFailure(ctx context.Context, f model.JobFailure) error {
	if f.ID == "" {
		f.ID = newID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_failures (`+jobFailureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.JobID, f.ProspectID, f.Domain, f.Attempts, f.Error, f.ErrorType, f.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record job failure %s", f.JobID)
}

func (s *SQLiteStore) ListJobFailures(ctx context.Context, jobID string) ([]model.JobFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobFailureColumns+` FROM job_failures WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list job failures %s", jobID)
	}
	defer rows.Close()

	var out []model.JobFailure
	for rows.Next() {
		var f model.JobFailure
		if err := rows.Scan(&f.ID, &f.JobID, &f.ProspectID, &f.Domain, &f.Attempts, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list job failures iterate")
}

// --- Audit ---

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	q := newQuery(false, `SELECT `+auditColumns+` FROM audit_log WHERE 1=1`)
	if filter.TableName != "" {
		q.add("AND table_name = %s", q.arg(filter.TableName))
	}
	if filter.RecordID != "" {
		q.add("AND record_id = %s", q.arg(filter.RecordID))
	}
	q.add("ORDER BY created_at, id LIMIT %s", q.arg(listLimit(filter.Limit)))

	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		if err := rows.Scan(&a.ID, &a.TableName, &a.RecordID, &a.Field, &a.OldValue, &a.NewValue,
			&a.Note, &a.Actor, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func (s *SQLiteStore) insertAudit(ctx context.Context, tx *sql.Tx, entries []model.AuditEntry) error {
	for _, a := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.TableName, a.RecordID, a.Field, a.OldValue, a.NewValue, a.Note, a.Actor, a.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert audit %s.%s", a.TableName, a.Field)
		}
	}
	return nil
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

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteProspect(row scannable) (*model.Prospect, error) {
	var p model.Prospect
	var status, source string
	var iceAt, lockedAt, lastAttempt sql.NullTime

	err := row.Scan(&p.ID, &p.Domain, &p.CompanyName, &status, &source, &p.ContactCount, &p.IcebreakerText,
		&iceAt, &p.EnrichmentRetryCount, &lockedAt, &p.EnrichmentLockedBy, &lastAttempt, &p.Notes,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan prospect")
	}

	p.Status = model.ProspectStatus(status)
	p.Source = model.ProspectSource(source)
	p.IcebreakerGeneratedAt = nullTimePtr(iceAt)
	p.EnrichmentLockedAt = nullTimePtr(lockedAt)
	p.LastEnrichmentAttempt = nullTimePtr(lastAttempt)
	return &p, nil
}

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var kind, status string
	var completedAt sql.NullTime

	err := row.Scan(&j.ID, &kind, &status, &j.TotalCount, &j.ProcessedCount, &j.SuccessCount, &j.FailureCount,
		&j.BatchSize, &j.Chain, &j.ForceRegenerate, &j.LastProcessedReportID, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan job")
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	j.CompletedAt = nullTimePtr(completedAt)
	return &j, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
