package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"matrixpub/internal/model"
)

const proxyColumns = `id, name, type, host, port, username, password, country, provider, is_active, priority,
	max_concurrent_use, current_use_count, total_success_count, total_fail_count, last_used_at,
	cooldown_minutes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(r rowScanner) (model.Proxy, error) {
	var (
		p                             model.Proxy
		typ                           string
		user, pass, country, provider sql.NullString
		active                        int
		lastUsed                      sql.NullInt64
		createdAt, updatedAt          int64
	)
	err := r.Scan(&p.ID, &p.Name, &typ, &p.Host, &p.Port, &user, &pass, &country, &provider, &active,
		&p.Priority, &p.MaxConcurrentUse, &p.CurrentUseCount, &p.SuccessCount, &p.FailCount, &lastUsed,
		&p.CooldownMinutes, &createdAt, &updatedAt)
	if err != nil {
		return model.Proxy{}, err
	}
	p.Type = model.ProxyType(typ)
	p.Username = user.String
	p.Password = pass.String
	p.Country = country.String
	p.Provider = provider.String
	p.Active = active != 0
	p.LastUsedAt = fromMillis(lastUsed)
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return p, nil
}

func InsertProxy(ctx context.Context, q Queryer, p model.Proxy, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO proxies(name, type, host, port, username, password, country, provider, is_active,
		   priority, max_concurrent_use, cooldown_minutes, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Name, string(p.Type), p.Host, p.Port, nullStr(p.Username), nullStr(p.Password),
		nullStr(p.Country), nullStr(p.Provider), boolInt(p.Active), p.Priority, p.MaxConcurrentUse,
		p.CooldownMinutes, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateProxy writes the non-nil fields of u. Column names are fixed here;
// only values are bound from u.
func UpdateProxy(ctx context.Context, q Queryer, id int64, u model.ProxyUpdate, now time.Time) (bool, error) {
	sets := make([]string, 0, 13)
	args := make([]any, 0, 14)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.Type != nil {
		add("type", string(*u.Type))
	}
	if u.Host != nil {
		add("host", *u.Host)
	}
	if u.Port != nil {
		add("port", *u.Port)
	}
	if u.Username != nil {
		add("username", nullStr(*u.Username))
	}
	if u.Password != nil {
		add("password", nullStr(*u.Password))
	}
	if u.Country != nil {
		add("country", nullStr(*u.Country))
	}
	if u.Provider != nil {
		add("provider", nullStr(*u.Provider))
	}
	if u.Active != nil {
		add("is_active", boolInt(*u.Active))
	}
	if u.Priority != nil {
		add("priority", *u.Priority)
	}
	if u.MaxConcurrentUse != nil {
		add("max_concurrent_use", *u.MaxConcurrentUse)
	}
	if u.CooldownMinutes != nil {
		add("cooldown_minutes", *u.CooldownMinutes)
	}
	if len(sets) == 0 {
		return false, nil
	}
	add("updated_at", now.UnixMilli())
	args = append(args, id)
	res, err := q.ExecContext(ctx, `UPDATE proxies SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func DeleteProxy(ctx context.Context, q Queryer, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM proxies WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func GetProxy(ctx context.Context, q Queryer, id int64) (model.Proxy, error) {
	p, err := scanProxy(q.QueryRowContext(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proxy{}, fmt.Errorf("proxy %d: %w", id, model.ErrNotFound)
	}
	return p, err
}

// ProxyFilter narrows ListProxies. Zero value lists everything.
type ProxyFilter struct {
	ActiveOnly bool
	// Available keeps only proxies with spare capacity whose cooldown has elapsed at Now.
	Available bool
	Now       time.Time
	Country   string
	Exclude   []int64
}

// ListProxies returns proxies ordered by priority desc, fail count asc, id.
func ListProxies(ctx context.Context, q Queryer, f ProxyFilter) ([]model.Proxy, error) {
	var (
		where []string
		args  []any
	)
	if f.ActiveOnly || f.Available {
		where = append(where, "is_active = 1")
	}
	if f.Available {
		where = append(where,
			"current_use_count < max_concurrent_use",
			"(last_used_at IS NULL OR last_used_at + cooldown_minutes * 60000 <= ?)")
		args = append(args, f.Now.UnixMilli())
	}
	if c := strings.TrimSpace(f.Country); c != "" {
		where = append(where, "country = ?")
		args = append(args, c)
	}
	if len(f.Exclude) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Exclude)), ",")
		where = append(where, "id NOT IN ("+ph+")")
		for _, id := range f.Exclude {
			args = append(args, id)
		}
	}
	query := `SELECT ` + proxyColumns + ` FROM proxies`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, total_fail_count ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AcquireProxy takes one unit of capacity and opens a usage log row.
// The availability re-check and the increment are a single UPDATE, so no
// acquire can pass max_concurrent_use. Returns false when the proxy is not
// eligible; nothing is written in that case.
//
// Must run inside a transaction so the counter and the log row land together.
func AcquireProxy(ctx context.Context, q Queryer, id, accountID, taskID int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE proxies
		    SET current_use_count = current_use_count + 1, last_used_at = ?, updated_at = ?
		  WHERE id = ? AND is_active = 1 AND current_use_count < max_concurrent_use`,
		now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return false, err
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO proxy_usage_logs(proxy_id, account_id, task_id, start_time, status) VALUES(?,?,?,?,?)`,
		id, nullID(accountID), nullID(taskID), now.UnixMilli(), int(model.UsageInUse),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseProxy returns one unit of capacity (floored at zero), bumps the
// outcome counter and closes the most recent open usage log row.
// Returns false if the proxy no longer exists.
func ReleaseProxy(ctx context.Context, q Queryer, id int64, success bool, errMsg string, now time.Time) (bool, error) {
	succ, fail := 0, 0
	status := model.UsageFailed
	if success {
		succ = 1
		status = model.UsageSuccess
	} else {
		fail = 1
	}
	res, err := q.ExecContext(ctx,
		`UPDATE proxies
		    SET current_use_count = MAX(0, current_use_count - 1),
		        total_success_count = total_success_count + ?,
		        total_fail_count = total_fail_count + ?,
		        updated_at = ?
		  WHERE id = ?`,
		succ, fail, now.UnixMilli(), id,
	)
	if err != nil {
		return false, err
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE proxy_usage_logs SET end_time = ?, status = ?, error_message = ?
		  WHERE id = (SELECT id FROM proxy_usage_logs WHERE proxy_id = ? AND status = ?
		              ORDER BY start_time DESC, id DESC LIMIT 1)`,
		now.UnixMilli(), int(status), nullStr(errMsg), id, int(model.UsageInUse),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// UsageCounts aggregates the usage log of one proxy.
type UsageCounts struct {
	Total     int
	InUse     int
	Succeeded int
	Failed    int
}

func ProxyUsageCounts(ctx context.Context, q Queryer, id int64) (UsageCounts, error) {
	var c UsageCounts
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 2 THEN 1 ELSE 0 END), 0)
		   FROM proxy_usage_logs WHERE proxy_id = ?`, id,
	).Scan(&c.Total, &c.InUse, &c.Succeeded, &c.Failed)
	return c, err
}

func ListUsageLogs(ctx context.Context, q Queryer, proxyID int64, limit int) ([]model.UsageLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, proxy_id, account_id, task_id, start_time, end_time, status, error_message
		   FROM proxy_usage_logs WHERE proxy_id = ? ORDER BY start_time DESC, id DESC LIMIT ?`,
		proxyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.UsageLog
	for rows.Next() {
		var (
			l              model.UsageLog
			acc, task, end sql.NullInt64
			start          int64
			status         int
			msg            sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ProxyID, &acc, &task, &start, &end, &status, &msg); err != nil {
			return nil, err
		}
		l.AccountID = acc.Int64
		l.TaskID = task.Int64
		l.StartTime = time.UnixMilli(start)
		l.EndTime = fromMillis(end)
		l.Status = model.UsageStatus(status)
		l.Error = msg.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReclaimProxies closes every open usage log as failed and returns the
// capacity those rows held. Counters not backed by an open row are left
// alone. Only safe while this process holds no proxy.
func ReclaimProxies(ctx context.Context, q Queryer, reason string, now time.Time) (int64, error) {
	if _, err := q.ExecContext(ctx,
		`UPDATE proxies
		    SET current_use_count = MAX(0, current_use_count - (
		            SELECT COUNT(*) FROM proxy_usage_logs l WHERE l.proxy_id = proxies.id AND l.status = ?)),
		        updated_at = ?
		  WHERE EXISTS (SELECT 1 FROM proxy_usage_logs l WHERE l.proxy_id = proxies.id AND l.status = ?)`,
		int(model.UsageInUse), now.UnixMilli(), int(model.UsageInUse)); err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE proxy_usage_logs SET end_time = ?, status = ?, error_message = ? WHERE status = ?`,
		now.UnixMilli(), int(model.UsageFailed), nullStr(reason), int(model.UsageInUse))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
