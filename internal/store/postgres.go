package store

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-enricher/internal/db"
	"github.com/sells-group/prospect-enricher/internal/model"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	s := NewPostgresWithPool(pool)
	s.closeFn = pool.Close
	return s, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns the pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, postgresMigrations, "migrations/postgres"), "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Prospects ---

var prospectInsert = db.InsertConfig{
	Table:        "prospects",
	Columns:      []string{"id", "domain", "company_name", "status", "source", "notes", "created_at", "updated_at"},
	ConflictKeys: []string{"domain"},
}

func (s *PostgresStore) CreateProspects(ctx context.Context, prospects []model.Prospect) (int, error) {
	now := s.now()
	rows := make([][]any, 0, len(prospects))
	for _, p := range prospects {
		p = prepareProspect(p, now)
		rows = append(rows, []any{p.ID, p.Domain, p.CompanyName, string(p.Status), string(p.Source), p.Notes, p.CreatedAt, p.UpdatedAt})
	}
	n, err := db.BulkInsertIgnore(ctx, s.pool, prospectInsert, rows)
	return int(n), eris.Wrap(err, "postgres: create prospects")
}

func (s *PostgresStore) GetProspect(ctx context.Context, id string) (*model.Prospect, error) {
	p, err := scanPgProspect(s.pool.QueryRow(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id))
	return p, eris.Wrapf(err, "postgres: get prospect %s", id)
}

func (s *PostgresStore) GetProspectByDomain(ctx context.Context, domain string) (*model.Prospect, error) {
	p, err := scanPgProspect(s.pool.QueryRow(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE domain = $1`, domain))
	return p, eris.Wrapf(err, "postgres: get prospect by domain %s", domain)
}

func (s *PostgresStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.Prospect, error) {
	q := newQuery(true, `SELECT `+prospectColumns+` FROM prospects WHERE 1=1`)
	if filter.Status != "" {
		q.add("AND status = %s", q.arg(string(filter.Status)))
	}
	q.add("ORDER BY created_at DESC, id DESC LIMIT %s", q.arg(listLimit(filter.Limit)))
	if filter.Offset > 0 {
		q.add("OFFSET %s", q.arg(filter.Offset))
	}
	return s.queryProspects(ctx, q, "list prospects")
}

func (s *PostgresStore) UpdateProspect(ctx context.Context, id string, upd model.ProspectUpdate, note, actor string) (bool, error) {
	changed, _, err := s.mutateProspect(ctx, id, func(model.Prospect) model.ProspectUpdate { return upd }, note, actor)
	return changed, err
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, id, note, actor string) (int, error) {
	_, p, err := s.mutateProspect(ctx, id, func(cur model.Prospect) model.ProspectUpdate {
		return model.ProspectUpdate{EnrichmentRetryCount: model.Ptr(cur.EnrichmentRetryCount + 1)}
	}, note, actor)
	if err != nil {
		return 0, err
	}
	return p.EnrichmentRetryCount, nil
}

func (s *PostgresStore) mutateProspect(ctx context.Context, id string, fn func(model.Prospect) model.ProspectUpdate, note, actor string) (bool, *model.Prospect, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, eris.Wrap(err, "postgres: begin update prospect")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cur, err := scanPgProspect(tx.QueryRow(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return false, nil, eris.Wrapf(err, "postgres: load prospect %s", id)
	}

	changes := diffProspect(*cur, fn(*cur))
	if len(changes) == 0 {
		return false, cur, nil
	}

	now := s.now()
	q := newQuery(true, "UPDATE prospects SET")
	for _, c := range changes {
		q.add("%s = %s,", c.Column, q.arg(c.Value))
	}
	q.add("updated_at = %s WHERE id = %s", q.arg(now), q.arg(id))
	if _, err := tx.Exec(ctx, q.String(), q.args...); err != nil {
		return false, nil, eris.Wrapf(err, "postgres: update prospect %s", id)
	}
	if err := insertPgAudit(ctx, tx, auditRows(model.AuditTableProspects, id, changes, note, actor, now)); err != nil {
		return false, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, eris.Wrap(err, "postgres: commit update prospect")
	}

	applyChanges(cur, changes)
	cur.UpdatedAt = now
	return true, cur, nil
}

func (s *PostgresStore) ListEligible(ctx context.Context, eq EligibleQuery) ([]model.Prospect, error) {
	q := newQuery(true, `SELECT `+prospectColumns+` FROM prospects`)
	eligibleWhere(q, eq, true)
	q.add("ORDER BY created_at DESC, id DESC LIMIT %s", q.arg(listLimit(eq.Limit)))
	return s.queryProspects(ctx, q, "list eligible")
}

func (s *PostgresStore) CountEligible(ctx context.Context, eq EligibleQuery) (int, error) {
	q := newQuery(true, `SELECT COUNT(*) FROM prospects`)
	eligibleWhere(q, eq, false)
	var n int
	err := s.pool.QueryRow(ctx, q.String(), q.args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count eligible")
}

func (s *PostgresStore) ListStaleLocked(ctx context.Context, lockedBefore time.Time) ([]model.Prospect, error) {
	q := newQuery(true, `SELECT `+prospectColumns+` FROM prospects`)
	q.add("WHERE status = %s AND enrichment_locked_at IS NOT NULL AND enrichment_locked_at < %s ORDER BY created_at DESC, id DESC",
		q.arg(string(model.ProspectStatusEnriching)), q.arg(lockedBefore.UTC()))
	return s.queryProspects(ctx, q, "list stale locked")
}

func (s *PostgresStore) ListOrphaned(ctx context.Context) ([]model.Prospect, error) {
	q := newQuery(true, `SELECT `+prospectColumns+` FROM prospects`)
	q.add("WHERE status = %s AND enrichment_locked_at IS NULL ORDER BY created_at DESC, id DESC",
		q.arg(string(model.ProspectStatusEnriching)))
	return s.queryProspects(ctx, q, "list orphaned")
}

func (s *PostgresStore) queryProspects(ctx context.Context, q *sqlQuery, action string) ([]model.Prospect, error) {
	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", action)
	}
	defer rows.Close()

	var out []model.Prospect
	for rows.Next() {
		p, err := scanPgProspect(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s", action)
		}
		out = append(out, *p)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", action)
}

// --- Locks ---

// TryLockProspect serializes competing acquirers on the row lock taken by
// SELECT ... FOR UPDATE; the conditional UPDATE then grants at most one.
func (s *PostgresStore) TryLockProspect(ctx context.Context, lp LockParams) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin lock")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var prev string
	err = tx.QueryRow(ctx, `SELECT status FROM prospects WHERE id = $1 FOR UPDATE`, lp.ProspectID).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "postgres: lock prospect %s", lp.ProspectID)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lock prospect %s", lp.ProspectID)
	}

	now := lp.Now.UTC()
	q := newQuery(true, "UPDATE prospects SET")
	q.add("status = %s, enrichment_locked_at = %s, enrichment_locked_by = %s, last_enrichment_attempt = %s, updated_at = %s",
		q.arg(string(model.ProspectStatusEnriching)), q.arg(now), q.arg(lp.WorkerID), q.arg(now), q.arg(now))
	q.add("WHERE id = %s AND (enrichment_locked_at IS NULL OR enrichment_locked_at < %s)",
		q.arg(lp.ProspectID), q.arg(lp.StaleBefore.UTC()))
	if !lp.AllowTerminal {
		q.add("AND status NOT IN (%s)", terminalStatusList())
	}

	tag, err := tx.Exec(ctx, q.String(), q.args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lock prospect %s", lp.ProspectID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if prev != string(model.ProspectStatusEnriching) {
		entries := auditRows(model.AuditTableProspects, lp.ProspectID, []fieldChange{{
			Column: "status", Old: prev, New: string(model.ProspectStatusEnriching),
		}}, "enrichment lock acquired", lp.WorkerID, now)
		if err := insertPgAudit(ctx, tx, entries); err != nil {
			return false, err
		}
	}
	return true, eris.Wrap(tx.Commit(ctx), "postgres: commit lock")
}

func (s *PostgresStore) UnlockProspect(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE prospects SET enrichment_locked_at = NULL, enrichment_locked_by = '' WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: unlock prospect %s", id)
}

func (s *PostgresStore) UnlockAll(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospects SET enrichment_locked_at = NULL, enrichment_locked_by = '' WHERE enrichment_locked_at IS NOT NULL`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: unlock all")
	}
	return int(tag.RowsAffected()), nil
}

// --- Contacts ---

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) ListContacts(ctx context.Context, prospectID string) ([]model.Contact, error) {
	return listPgContacts(ctx, s.pool, prospectID)
}

func listPgContacts(ctx context.Context, qr pgQuerier, prospectID string) ([]model.Contact, error) {
	rows, err := qr.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE prospect_id = $1
		 ORDER BY is_primary DESC, confidence_score DESC, created_at, id`, prospectID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list contacts %s", prospectID)
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var c model.Contact
		var ctype string
		if err := rows.Scan(&c.ID, &c.ProspectID, &c.Email, &c.FirstName, &c.LastName, &c.Title, &c.Phone,
			&c.Source, &c.ConfidenceScore, &ctype, &c.IsPrimary, &c.IsDecisionMaker, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		c.ContactType = model.ContactType(ctype)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list contacts iterate")
}

func (s *PostgresStore) InsertContacts(ctx context.Context, prospectID string, contacts []model.Contact) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin insert contacts")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Row lock on the parent serializes concurrent inserts for one prospect.
	var oldCount int
	err = tx.QueryRow(ctx, `SELECT contact_count FROM prospects WHERE id = $1 FOR UPDATE`, prospectID).Scan(&oldCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "postgres: insert contacts for %s", prospectID)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: load prospect %s", prospectID)
	}

	existing, err := listPgContacts(ctx, tx, prospectID)
	if err != nil {
		return 0, err
	}
	fresh := prepareContacts(prospectID, existing, contacts, s.now())

	var audit []model.AuditEntry
	for _, c := range fresh {
		if _, err := tx.Exec(ctx,
			`INSERT INTO contacts (`+contactColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			c.ID, c.ProspectID, c.Email, c.FirstName, c.LastName, c.Title, c.Phone, c.Source,
			c.ConfidenceScore, string(c.ContactType), c.IsPrimary, c.IsDecisionMaker, c.CreatedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "postgres: insert contact %s", c.Email)
		}
		audit = append(audit, contactAudit(c))
	}

	newCount := len(existing) + len(fresh)
	if newCount != oldCount {
		now := s.now()
		if _, err := tx.Exec(ctx, `UPDATE prospects SET contact_count = $1, updated_at = $2 WHERE id = $3`,
			newCount, now, prospectID); err != nil {
			return 0, eris.Wrapf(err, "postgres: update contact count %s", prospectID)
		}
		audit = append(audit, contactCountAudit(prospectID, oldCount, newCount, now))
	}

	if err := insertPgAudit(ctx, tx, audit); err != nil {
		return 0, err
	}
	return len(fresh), eris.Wrap(tx.Commit(ctx), "postgres: commit insert contacts")
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	prepareJob(job, s.now())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, string(job.Kind), string(job.Status), job.TotalCount, job.ProcessedCount, job.SuccessCount,
		job.FailureCount, job.BatchSize, job.Chain, job.ForceRegenerate, job.LastProcessedReportID,
		job.LastError, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	return eris.Wrap(err, "postgres: insert job")
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	return j, eris.Wrapf(err, "postgres: get job %s", id)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	q := newQuery(true, `SELECT `+jobColumns+` FROM jobs WHERE 1=1`)
	if filter.Status != "" {
		q.add("AND status = %s", q.arg(string(filter.Status)))
	}
	if filter.Kind != "" {
		q.add("AND kind = %s", q.arg(string(filter.Kind)))
	}
	q.add("ORDER BY created_at DESC, id DESC LIMIT %s", q.arg(listLimit(filter.Limit)))

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list jobs")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, lastError string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin set job status")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: load job %s", id)
	}
	if !statusIn(model.JobStatus(cur), from) {
		return false, nil
	}

	now := s.now()
	var completedAt *time.Time
	if to == model.JobStatusCompleted {
		completedAt = &now
	}
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $1, last_error = $2, updated_at = $3, completed_at = COALESCE($4, completed_at) WHERE id = $5`,
		string(to), lastError, now, completedAt, id,
	); err != nil {
		return false, eris.Wrapf(err, "postgres: set job status %s", id)
	}

	if cur != string(to) {
		entries := auditRows(model.AuditTableJobs, id, []fieldChange{{Column: "status", Old: cur, New: string(to)}}, lastError, "", now)
		if err := insertPgAudit(ctx, tx, entries); err != nil {
			return false, err
		}
	}
	return true, eris.Wrap(tx.Commit(ctx), "postgres: commit set job status")
}

func (s *PostgresStore) RecordJobProgress(ctx context.Context, id string, p model.JobProgress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET processed_count = processed_count + 1,
			success_count = success_count + $1, failure_count = failure_count + $2,
			last_processed_report_id = $3, updated_at = $4
		 WHERE id = $5`,
		boolToInt(p.Success), boolToInt(p.Failure), p.ProspectID, s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record job progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

func (s *PostgresStore) PauseRunningJobs(ctx context.Context, reason string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin pause jobs")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`UPDATE jobs SET status = $1, last_error = $2, updated_at = $3 WHERE status = $4 RETURNING id`,
		string(model.JobStatusPaused), reason, s.now(), string(model.JobStatusRunning))
	if err != nil {
		return 0, eris.Wrap(err, "postgres: pause running jobs")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, eris.Wrap(err, "postgres: collect paused jobs")
	}

	now := s.now()
	var audit []model.AuditEntry
	for _, id := range ids {
		audit = append(audit, auditRows(model.AuditTableJobs, id, []fieldChange{{
			Column: "status", Old: string(model.JobStatusRunning), New: string(model.JobStatusPaused),
		}}, reason, "", now)...)
	}
	if err := insertPgAudit(ctx, tx, audit); err != nil {
		return 0, err
	}
	return len(ids), eris.Wrap(tx.Commit(ctx), "postgres: commit pause jobs")
}

func (s *PostgresStore) RecordJobFailure(ctx context.Context, f model.JobFailure) error {
	if f.ID == "" {
		f.ID = newID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_failures (`+jobFailureColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.JobID, f.ProspectID, f.Domain, f.Attempts, f.Error, f.ErrorType, f.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: record job failure %s", f.JobID)
}

func (s *PostgresStore) ListJobFailures(ctx context.Context, jobID string) ([]model.JobFailure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobFailureColumns+` FROM job_failures WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list job failures %s", jobID)
	}
	defer rows.Close()

	var out []model.JobFailure
	for rows.Next() {
		var f model.JobFailure
		if err := rows.Scan(&f.ID, &f.JobID, &f.ProspectID, &f.Domain, &f.Attempts, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list job failures iterate")
}

// --- Audit ---

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, error) {
	q := newQuery(true, `SELECT `+auditColumns+` FROM audit_log WHERE 1=1`)
	if filter.TableName != "" {
		q.add("AND table_name = %s", q.arg(filter.TableName))
	}
	if filter.RecordID != "" {
		q.add("AND record_id = %s", q.arg(filter.RecordID))
	}
	q.add("ORDER BY created_at, id LIMIT %s", q.arg(listLimit(filter.Limit)))

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		if err := rows.Scan(&a.ID, &a.TableName, &a.RecordID, &a.Field, &a.OldValue, &a.NewValue,
			&a.Note, &a.Actor, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func insertPgAudit(ctx context.Context, tx pgx.Tx, entries []model.AuditEntry) error {
	for _, a := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO audit_log (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.TableName, a.RecordID, a.Field, a.OldValue, a.NewValue, a.Note, a.Actor, a.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert audit %s.%s", a.TableName, a.Field)
		}
	}
	return nil
}

func scanPgProspect(row pgx.Row) (*model.Prospect, error) {
	var p model.Prospect
	var status, source string

	err := row.Scan(&p.ID, &p.Domain, &p.CompanyName, &status, &source, &p.ContactCount, &p.IcebreakerText,
		&p.IcebreakerGeneratedAt, &p.EnrichmentRetryCount, &p.EnrichmentLockedAt, &p.EnrichmentLockedBy,
		&p.LastEnrichmentAttempt, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan prospect")
	}
	p.Status = model.ProspectStatus(status)
	p.Source = model.ProspectSource(source)
	return &p, nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var kind, status string

	err := row.Scan(&j.ID, &kind, &status, &j.TotalCount, &j.ProcessedCount, &j.SuccessCount, &j.FailureCount,
		&j.BatchSize, &j.Chain, &j.ForceRegenerate, &j.LastProcessedReportID, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan job")
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	return &j, nil
}
