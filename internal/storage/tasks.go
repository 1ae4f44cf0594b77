package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"matrixpub/internal/model"
)

const taskColumns = `id, name, platform, title, tags, category, enable_timer, videos_per_day, start_days,
	mode, status, created_at, updated_at, completed_at`

func scanTask(r rowScanner) (model.Task, error) {
	var (
		t            model.Task
		category     sql.NullInt64
		timer        int
		mode         string
		status       int
		created, upd int64
		completed    sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.Name, &t.Platform, &t.Title, &t.Tags, &category, &timer,
		&t.Timing.VideosPerDay, &t.Timing.StartDays, &mode, &status, &created, &upd, &completed)
	if err != nil {
		return model.Task{}, err
	}
	if category.Valid {
		c := int(category.Int64)
		t.Category = &c
	}
	t.Timing.EnableTimer = timer != 0
	t.Mode = model.DistributionMode(mode)
	t.Status = model.TaskStatus(status)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(upd)
	t.Completed = fromMillis(completed)
	return t, nil
}

// InsertTask stores t and its ordered file, account and slot lists.
func InsertTask(ctx context.Context, q Queryer, t model.Task, now time.Time) (int64, error) {
	var category any
	if t.Category != nil {
		category = *t.Category
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO tasks(name, platform, title, tags, category, enable_timer, videos_per_day, start_days,
		   mode, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Name, int(t.Platform), t.Title, t.Tags, category, boolInt(t.Timing.EnableTimer),
		t.Timing.VideosPerDay, t.Timing.StartDays, string(t.Mode), int(model.TaskPending),
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, fid := range t.FileIDs {
		if _, err := q.ExecContext(ctx, `INSERT INTO task_files(task_id, position, file_id) VALUES(?,?,?)`, id, i, fid); err != nil {
			return 0, err
		}
	}
	for i, aid := range t.AccountIDs {
		if _, err := q.ExecContext(ctx, `INSERT INTO task_accounts(task_id, position, account_id) VALUES(?,?,?)`, id, i, aid); err != nil {
			return 0, err
		}
	}
	for i, slot := range t.Timing.DailyTimes {
		if _, err := q.ExecContext(ctx, `INSERT INTO task_daily_times(task_id, position, slot) VALUES(?,?,?)`, id, i, slot); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func loadTaskChildren(ctx context.Context, q Queryer, t *model.Task) error {
	var err error
	if t.FileIDs, err = queryInt64s(ctx, q, `SELECT file_id FROM task_files WHERE task_id = ? ORDER BY position`, t.ID); err != nil {
		return err
	}
	if t.AccountIDs, err = queryInt64s(ctx, q, `SELECT account_id FROM task_accounts WHERE task_id = ? ORDER BY position`, t.ID); err != nil {
		return err
	}
	rows, err := q.QueryContext(ctx, `SELECT slot FROM task_daily_times WHERE task_id = ? ORDER BY position`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	t.Timing.DailyTimes = nil
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return err
		}
		t.Timing.DailyTimes = append(t.Timing.DailyTimes, s)
	}
	return rows.Err()
}

func queryInt64s(ctx context.Context, q Queryer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func GetTask(ctx context.Context, q Queryer, id int64) (model.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Task{}, err
	}
	if err := loadTaskChildren(ctx, q, &t); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func ListTasks(ctx context.Context, q Queryer, status *model.TaskStatus) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, int(*status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	for i := range out {
		if err := loadTaskChildren(ctx, q, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteTask removes the task's subtasks, list rows and the task itself.
// Run it inside a transaction for all-or-nothing semantics.
func DeleteTask(ctx context.Context, q Queryer, id int64) (bool, error) {
	for _, stmt := range []string{
		`DELETE FROM subtasks WHERE task_id = ?`,
		`DELETE FROM task_files WHERE task_id = ?`,
		`DELETE FROM task_accounts WHERE task_id = ?`,
		`DELETE FROM task_daily_times WHERE task_id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return false, err
		}
	}
	res, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func TaskStats(ctx context.Context, q Queryer, taskID int64) (model.TaskStats, error) {
	var s model.TaskStats
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 2 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 3 THEN 1 ELSE 0 END), 0)
		   FROM subtasks WHERE task_id = ?`, taskID,
	).Scan(&s.Total, &s.Pending, &s.Running, &s.Success, &s.Failed)
	return s, err
}

// SetTaskStatus moves the task to status. It is a no-op (changed=false) when
// the task already has that status, so repeated aggregation is idempotent.
func SetTaskStatus(ctx context.Context, q Queryer, id int64, status model.TaskStatus, now time.Time) (bool, error) {
	var completed any
	if status.Terminal() {
		completed = now.UnixMilli()
	}
	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ? WHERE id = ? AND status <> ?`,
		int(status), now.UnixMilli(), completed, id, int(status),
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// InsertSubtasks stores one Pending subtask per entry.
func InsertSubtasks(ctx context.Context, q Queryer, taskID int64, subs []model.Subtask, now time.Time) error {
	for _, st := range subs {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO subtasks(task_id, account_id, file_id, status, scheduled_time, created_at)
			 VALUES(?,?,?,?,?,?)`,
			taskID, st.AccountID, st.FileID, int(model.SubtaskPending), millis(st.ScheduledTime), now.UnixMilli(),
		); err != nil {
			return err
		}
	}
	return nil
}

const subtaskColumns = `id, task_id, account_id, file_id, status, scheduled_time, error_message,
	executed_at, completed_at, created_at`

func scanSubtask(r rowScanner) (model.Subtask, error) {
	var (
		s                         model.Subtask
		status                    int
		sched, executed, complete sql.NullInt64
		msg                       sql.NullString
		created                   int64
	)
	if err := r.Scan(&s.ID, &s.TaskID, &s.AccountID, &s.FileID, &status, &sched, &msg, &executed, &complete, &created); err != nil {
		return model.Subtask{}, err
	}
	s.Status = model.SubtaskStatus(status)
	s.ScheduledTime = fromMillis(sched)
	s.ErrorMessage = msg.String
	s.ExecutedAt = fromMillis(executed)
	s.CompletedAt = fromMillis(complete)
	s.CreatedAt = time.UnixMilli(created)
	return s, nil
}

func ListSubtasks(ctx context.Context, q Queryer, taskID int64) ([]model.Subtask, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func GetSubtask(ctx context.Context, q Queryer, id int64) (model.Subtask, error) {
	s, err := scanSubtask(q.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subtask{}, fmt.Errorf("subtask %d: %w", id, model.ErrNotFound)
	}
	return s, err
}

// SubtaskJob is a runnable subtask joined with everything a publisher needs.
// FilePath and CredentialPath are empty when the referenced rows are missing.
type SubtaskJob struct {
	model.Subtask
	TaskName       string
	Platform       model.Platform
	Title          string
	Tags           string
	Category       *int
	FilePath       string
	CredentialPath string
}

// RunnableSubtasks returns up to limit Pending subtasks whose scheduled_time
// is unset or <= now, unscheduled first, then by scheduled_time and id.
func RunnableSubtasks(ctx context.Context, q Queryer, now time.Time, limit int) ([]SubtaskJob, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := q.QueryContext(ctx,
		`SELECT s.id, s.task_id, s.account_id, s.file_id, s.status, s.scheduled_time, s.error_message,
		        s.executed_at, s.completed_at, s.created_at,
		        t.name, t.platform, t.title, t.tags, t.category,
		        COALESCE(f.path, ''), COALESCE(a.credential_path, '')
		   FROM subtasks s
		   JOIN tasks t ON t.id = s.task_id
		   LEFT JOIN media_files f ON f.id = s.file_id
		   LEFT JOIN accounts a ON a.id = s.account_id
		  WHERE s.status = ? AND (s.scheduled_time IS NULL OR s.scheduled_time <= ?)
		  ORDER BY s.scheduled_time IS NOT NULL, s.scheduled_time ASC, s.id ASC
		  LIMIT ?`,
		int(model.SubtaskPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SubtaskJob
	for rows.Next() {
		var (
			j                         SubtaskJob
			status                    int
			sched, executed, complete sql.NullInt64
			msg                       sql.NullString
			created                   int64
			category                  sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &j.TaskID, &j.AccountID, &j.FileID, &status, &sched, &msg, &executed,
			&complete, &created, &j.TaskName, &j.Platform, &j.Title, &j.Tags, &category,
			&j.FilePath, &j.CredentialPath); err != nil {
			return nil, err
		}
		j.Status = model.SubtaskStatus(status)
		j.ScheduledTime = fromMillis(sched)
		j.ErrorMessage = msg.String
		j.ExecutedAt = fromMillis(executed)
		j.CompletedAt = fromMillis(complete)
		j.CreatedAt = time.UnixMilli(created)
		if category.Valid {
			c := int(category.Int64)
			j.Category = &c
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkSubtaskRunning moves a Pending subtask to Running.
// changed=false means someone else already claimed it.
func MarkSubtaskRunning(ctx context.Context, q Queryer, id int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE subtasks SET status = ?, executed_at = ? WHERE id = ? AND status = ?`,
		int(model.SubtaskRunning), now.UnixMilli(), id, int(model.SubtaskPending))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ReleaseSubtaskClaim puts a Running subtask back to Pending, for work that
// was claimed but could not start.
func ReleaseSubtaskClaim(ctx context.Context, q Queryer, id int64) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE subtasks SET status = ?, executed_at = NULL WHERE id = ? AND status = ?`,
		int(model.SubtaskPending), id, int(model.SubtaskRunning))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DeferSubtask puts a Running subtask back to Pending and moves its
// scheduled_time to until, so it leaves the head of the runnable queue.
func DeferSubtask(ctx context.Context, q Queryer, id int64, until time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE subtasks SET status = ?, executed_at = NULL, scheduled_time = ? WHERE id = ? AND status = ?`,
		int(model.SubtaskPending), until.UnixMilli(), id, int(model.SubtaskRunning))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// SettleSubtask moves a Pending or Running subtask to a terminal status.
func SettleSubtask(ctx context.Context, q Queryer, id int64, status model.SubtaskStatus, errMsg string, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("settle subtask %d: status %v is not terminal", id, status)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE subtasks SET status = ?, error_message = ?, completed_at = ?
		  WHERE id = ? AND status IN (?, ?)`,
		int(status), nullStr(errMsg), now.UnixMilli(), id, int(model.SubtaskPending), int(model.SubtaskRunning))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// FailRunningSubtasks marks every Running subtask Failed with msg and
// returns the distinct task ids touched.
func FailRunningSubtasks(ctx context.Context, q Queryer, msg string, now time.Time) ([]int64, error) {
	ids, err := queryInt64s(ctx, q, `SELECT DISTINCT task_id FROM subtasks WHERE status = ? ORDER BY task_id`, int(model.SubtaskRunning))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE subtasks SET status = ?, error_message = ?, completed_at = ? WHERE status = ?`,
		int(model.SubtaskFailed), nullStr(msg), now.UnixMilli(), int(model.SubtaskRunning)); err != nil {
		return nil, err
	}
	return ids, nil
}
