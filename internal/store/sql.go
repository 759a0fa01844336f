package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// dialect selects placeholder syntax. Queries are written with "?".
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore implements Store over database/sql. The same queries serve libSQL
// and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// --- Runs ---

const runColumns = `run_id, plan_id, user_id, status, plan, inputs, variables, current_step_id, current_level,
	completed, failed, skipped, execution_trace, total_tokens, final_output, error_message, paused_on,
	pause_requested_at, version, created_at, updated_at, completed_at`

func (s *SQLStore) CreateRun(ctx context.Context, rec *RunRecord) error {
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	cols, err := encodeJSONColumns(map[string]any{
		"inputs":    orEmptyMap(rec.Inputs),
		"variables": orEmptyMap(rec.Variables),
		"completed": orEmptyList(rec.Completed),
		"failed":    orEmptyList(rec.Failed),
		"skipped":   orEmptyList(rec.Skipped),
		"trace":     orEmptyTrace(rec.ExecutionTrace),
	})
	if err != nil {
		return err
	}
	finalOutput, err := nullableValue(rec.FinalOutput)
	if err != nil {
		return fmt.Errorf("marshal final_output: %w", err)
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = rec.CreatedAt

	_, err = s.exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, nullStr(rec.PlanID), rec.UserID, string(rec.Status), string(plan),
		cols["inputs"], cols["variables"], nullStr(rec.CurrentStepID), rec.CurrentLevel,
		cols["completed"], cols["failed"], cols["skipped"], cols["trace"], rec.TotalTokens,
		finalOutput, nullStr(rec.ErrorMessage), nullStr(rec.PausedOn),
		nullTime(rec.PauseRequestedAt), rec.Version, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.CompletedAt),
	)
	if err != nil {
		return storeError("create run", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, storeError("get run", err)
	}
	return rec, nil
}

func (s *SQLStore) UpdateRunProgress(ctx context.Context, runID string, expectedVersion int64, p *RunProgress) (int64, error) {
	cols, err := encodeJSONColumns(map[string]any{
		"variables": orEmptyMap(p.Variables),
		"completed": orEmptyList(p.Completed),
		"failed":    orEmptyList(p.Failed),
		"skipped":   orEmptyList(p.Skipped),
		"trace":     orEmptyTrace(p.ExecutionTrace),
	})
	if err != nil {
		return 0, err
	}
	finalOutput, err := nullableValue(p.FinalOutput)
	if err != nil {
		return 0, fmt.Errorf("marshal final_output: %w", err)
	}

	clearPause := ""
	if p.Status != schema.RunStatusRunning {
		clearPause = "pause_requested_at = NULL, "
	}

	res, err := s.exec(ctx,
		`UPDATE runs SET status = ?, variables = ?, current_step_id = ?, current_level = ?,
		 completed = ?, failed = ?, skipped = ?, execution_trace = ?, total_tokens = ?,
		 final_output = ?, error_message = ?, paused_on = ?, completed_at = ?, `+clearPause+`
		 version = version + 1, updated_at = ?
		 WHERE run_id = ? AND version = ?`,
		string(p.Status), cols["variables"], nullStr(p.CurrentStepID), p.CurrentLevel,
		cols["completed"], cols["failed"], cols["skipped"], cols["trace"], p.TotalTokens,
		finalOutput, nullStr(p.ErrorMessage), nullStr(p.PausedOn), nullTime(p.CompletedAt),
		time.Now().UTC(), runID, expectedVersion,
	)
	if err != nil {
		return 0, storeError("update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("update run", err)
	}
	if n == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return 0, getErr
		}
		return 0, versionConflict("run", runID, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *SQLStore) RequestPause(ctx context.Context, runID string) error {
	res, err := s.exec(ctx,
		`UPDATE runs SET pause_requested_at = ? WHERE run_id = ? AND status = ?`,
		time.Now().UTC(), runID, string(schema.RunStatusRunning),
	)
	if err != nil {
		return storeError("request pause", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("request pause", err)
	}
	if n == 0 {
		rec, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return notRunning(rec)
	}
	return nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.PlanID != "" {
		query += ` AND plan_id = ?`
		args = append(args, filter.PlanID)
	}
	query += ` ORDER BY created_at DESC`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list runs", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, storeError("list runs", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*RunRecord, error) {
	rec := &RunRecord{}
	var (
		planID, currentStep, finalOutput, errMsg, pausedOn sql.NullString
		status, plan, inputs, variables                    string
		completed, failed, skipped, trace                  string
		pauseRequestedAt, completedAt                      sql.NullTime
	)
	err := sc.Scan(&rec.RunID, &planID, &rec.UserID, &status, &plan, &inputs, &variables,
		&currentStep, &rec.CurrentLevel, &completed, &failed, &skipped, &trace, &rec.TotalTokens,
		&finalOutput, &errMsg, &pausedOn, &pauseRequestedAt, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	rec.PlanID = planID.String
	rec.Status = schema.RunStatus(status)
	rec.CurrentStepID = currentStep.String
	rec.ErrorMessage = errMsg.String
	rec.PausedOn = pausedOn.String
	if pauseRequestedAt.Valid {
		t := pauseRequestedAt.Time
		rec.PauseRequestedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	decoders := []struct {
		name string
		src  string
		dst  any
	}{
		{"plan", plan, &rec.Plan},
		{"inputs", inputs, &rec.Inputs},
		{"variables", variables, &rec.Variables},
		{"completed", completed, &rec.Completed},
		{"failed", failed, &rec.Failed},
		{"skipped", skipped, &rec.Skipped},
		{"execution_trace", trace, &rec.ExecutionTrace},
	}
	for _, d := range decoders {
		if err := json.Unmarshal([]byte(d.src), d.dst); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", d.name, err)
		}
	}
	if finalOutput.Valid && finalOutput.String != "" {
		if err := json.Unmarshal([]byte(finalOutput.String), &rec.FinalOutput); err != nil {
			return nil, fmt.Errorf("decode run final_output: %w", err)
		}
	}
	return rec, nil
}

// --- Approval requests ---

const approvalColumns = `id, run_id, step_id, title, message, approvers, mode, on_timeout, escalate_to,
	status, responses, escalation_level, parent_request_id, timeout_ms, version, created_at, timeout_at, resolved_at`

func (s *SQLStore) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	cols, err := encodeJSONColumns(map[string]any{
		"approvers":   orEmptyList(req.Approvers),
		"escalate_to": orEmptyList(req.EscalateTo),
		"responses":   orEmptyResponses(req.Responses),
	})
	if err != nil {
		return err
	}
	if req.Version == 0 {
		req.Version = 1
	}
	req.CreatedAt = timeOrNow(req.CreatedAt)

	_, err = s.exec(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.RunID, req.StepID, nullStr(req.Title), nullStr(req.Message),
		cols["approvers"], string(req.Mode), string(req.OnTimeout), cols["escalate_to"],
		string(req.Status), cols["responses"], req.EscalationLevel, nullStr(req.ParentRequestID),
		req.TimeoutMs, req.Version, req.CreatedAt, req.TimeoutAt, nullTime(req.ResolvedAt),
	)
	if err != nil {
		return storeError("create approval", err)
	}
	return nil
}

func (s *SQLStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.queryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("approval request", id)
	}
	if err != nil {
		return nil, storeError("get approval", err)
	}
	return req, nil
}

func (s *SQLStore) UpdateApproval(ctx context.Context, req *ApprovalRequest) error {
	cols, err := encodeJSONColumns(map[string]any{
		"approvers":   orEmptyList(req.Approvers),
		"escalate_to": orEmptyList(req.EscalateTo),
		"responses":   orEmptyResponses(req.Responses),
	})
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE approval_requests SET approvers = ?, escalate_to = ?, status = ?, responses = ?,
		 resolved_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		cols["approvers"], cols["escalate_to"], string(req.Status), cols["responses"],
		nullTime(req.ResolvedAt), req.ID, req.Version,
	)
	if err != nil {
		return storeError("update approval", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("update approval", err)
	}
	if n == 0 {
		if _, getErr := s.GetApproval(ctx, req.ID); getErr != nil {
			return getErr
		}
		return versionConflict("approval request", req.ID, req.Version)
	}
	req.Version++
	return nil
}

func (s *SQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		query += ` AND step_id = ?`
		args = append(args, filter.StepID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at ASC, escalation_level ASC`
	// Deadlines are compared after scanning: SQLite stores timestamps as text.
	if filter.DueBefore == nil {
		query, args = paginate(query, args, filter.Limit, 0)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list approvals", err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, storeError("list approvals", err)
		}
		if filter.DueBefore != nil && req.TimeoutAt.After(*filter.DueBefore) {
			continue
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list approvals", err)
	}
	return window(out, filter.Limit, 0), nil
}

func scanApproval(sc scanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var (
		title, message, parent                            sql.NullString
		approvers, mode, onTimeout, escalate, status, resp string
		resolvedAt                                        sql.NullTime
	)
	err := sc.Scan(&req.ID, &req.RunID, &req.StepID, &title, &message, &approvers, &mode, &onTimeout,
		&escalate, &status, &resp, &req.EscalationLevel, &parent, &req.TimeoutMs, &req.Version,
		&req.CreatedAt, &req.TimeoutAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.Title = title.String
	req.Message = message.String
	req.ParentRequestID = parent.String
	req.Mode = schema.ApprovalMode(mode)
	req.OnTimeout = schema.TimeoutAction(onTimeout)
	req.Status = schema.ApprovalStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(approvers), &req.Approvers); err != nil {
		return nil, fmt.Errorf("decode approvers: %w", err)
	}
	if err := json.Unmarshal([]byte(escalate), &req.EscalateTo); err != nil {
		return nil, fmt.Errorf("decode escalate_to: %w", err)
	}
	if err := json.Unmarshal([]byte(resp), &req.Responses); err != nil {
		return nil, fmt.Errorf("decode responses: %w", err)
	}
	return req, nil
}

// --- Plans ---

func (s *SQLStore) SavePlan(ctx context.Context, rec *PlanRecord) error {
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	now := time.Now().UTC()
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	rec.UpdatedAt = now
	_, err = s.exec(ctx,
		`INSERT INTO plans (id, name, plan, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, plan = excluded.plan, updated_at = excluded.updated_at`,
		rec.ID, nullStr(rec.Name), string(plan), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return storeError("save plan", err)
	}
	return nil
}

func (s *SQLStore) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	row := s.queryRow(ctx, `SELECT id, name, plan, created_at, updated_at FROM plans WHERE id = ?`, id)
	rec, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("plan", id)
	}
	if err != nil {
		return nil, storeError("get plan", err)
	}
	return rec, nil
}

func (s *SQLStore) ListPlans(ctx context.Context) ([]*PlanRecord, error) {
	rows, err := s.query(ctx, `SELECT id, name, plan, created_at, updated_at FROM plans ORDER BY id`)
	if err != nil {
		return nil, storeError("list plans", err)
	}
	defer rows.Close()

	var out []*PlanRecord
	for rows.Next() {
		rec, err := scanPlan(rows)
		if err != nil {
			return nil, storeError("list plans", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeletePlan(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return storeError("delete plan", err)
	}
	return checkRowsAffected(res, "plan", id)
}

func scanPlan(sc scanner) (*PlanRecord, error) {
	rec := &PlanRecord{}
	var name sql.NullString
	var plan string
	if err := sc.Scan(&rec.ID, &name, &plan, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Name = name.String
	if err := json.Unmarshal([]byte(plan), &rec.Plan); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", rec.ID, err)
	}
	return rec, nil
}

// --- Schedules ---

const scheduleColumns = `id, plan_id, cron_expression, user_id, inputs, enabled, last_run_at, next_run_at,
	last_run_id, last_run_status, created_at`

func (s *SQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	inputs, err := json.Marshal(orEmptyMap(sch.Inputs))
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	sch.CreatedAt = timeOrNow(sch.CreatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.PlanID, sch.CronExpression, sch.UserID, string(inputs), sch.Enabled,
		nullTime(sch.LastRunAt), nullTime(sch.NextRunAt), nullStr(sch.LastRunID), nullStr(sch.LastRunStatus),
		sch.CreatedAt,
	)
	if err != nil {
		return storeError("create schedule", err)
	}
	return nil
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, storeError("get schedule", err)
	}
	return sch, nil
}

func (s *SQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, update.LastRunAt.UTC())
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, update.NextRunAt.UTC())
	}
	if update.LastRunID != nil {
		sets = append(sets, "last_run_id = ?")
		args = append(args, *update.LastRunID)
	}
	if update.LastRunStatus != nil {
		sets = append(sets, "last_run_status = ?")
		args = append(args, *update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeError("update schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *SQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if enabledOnly {
		query += ` WHERE enabled = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, storeError("list schedules", err)
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storeError("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc scanner) (*Schedule, error) {
	sch := &Schedule{}
	var (
		inputs                string
		lastRunID, lastStatus sql.NullString
		lastRunAt, nextRunAt  sql.NullTime
	)
	err := sc.Scan(&sch.ID, &sch.PlanID, &sch.CronExpression, &sch.UserID, &inputs, &sch.Enabled,
		&lastRunAt, &nextRunAt, &lastRunID, &lastStatus, &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &sch.Inputs); err != nil {
		return nil, fmt.Errorf("decode schedule inputs: %w", err)
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		sch.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		sch.NextRunAt = &t
	}
	sch.LastRunID = lastRunID.String
	sch.LastRunStatus = lastStatus.String
	return sch, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OrchestratorError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", resource, id)
}

func versionConflict(resource, id string, version int64) *schema.OrchestratorError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %s was modified concurrently (expected version %d)", resource, id, version)
}

func notRunning(rec *RunRecord) *schema.OrchestratorError {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s", rec.RunID, rec.Status)
}

func storeError(op string, err error) error {
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s: already exists", op).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
		if offset > 0 {
			query += ` OFFSET ?`
			args = append(args, offset)
		}
	}
	return query, args
}

func encodeJSONColumns(values map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for name, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", name, err)
		}
		out[name] = string(data)
	}
	return out, nil
}

func nullableValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

func orEmptyTrace(t []schema.StepMetadata) []schema.StepMetadata {
	if t == nil {
		return []schema.StepMetadata{}
	}
	return t
}

func orEmptyResponses(r []ApprovalResponse) []ApprovalResponse {
	if r == nil {
		return []ApprovalResponse{}
	}
	return r
}
