package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"matrixpub/internal/model"
)

const scheduleColumns = `account_id, current_proxy_id, switch_interval_minutes, auto_switch_enabled,
	last_switch_time, next_switch_time, created_at, updated_at`

func scanSchedule(r rowScanner) (model.Schedule, error) {
	var (
		s                   model.Schedule
		proxyID, lastSwitch sql.NullInt64
		auto                int
		next, created, upd  int64
	)
	if err := r.Scan(&s.AccountID, &proxyID, &s.SwitchIntervalMinutes, &auto, &lastSwitch, &next, &created, &upd); err != nil {
		return model.Schedule{}, err
	}
	s.CurrentProxyID = proxyID.Int64
	s.AutoSwitch = auto != 0
	s.LastSwitchTime = fromMillis(lastSwitch)
	s.NextSwitchTime = time.UnixMilli(next)
	s.CreatedAt = time.UnixMilli(created)
	s.UpdatedAt = time.UnixMilli(upd)
	return s, nil
}

// GetSchedule returns the account's rotation schedule, ok=false when none exists.
func GetSchedule(ctx context.Context, q Queryer, accountID int64) (model.Schedule, bool, error) {
	s, err := scanSchedule(q.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM account_proxy_schedules WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Schedule{}, false, nil
	}
	if err != nil {
		return model.Schedule{}, false, err
	}
	return s, true, nil
}

// InsertScheduleIfMissing creates s unless a row for the account already exists.
func InsertScheduleIfMissing(ctx context.Context, q Queryer, s model.Schedule, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO account_proxy_schedules(account_id, current_proxy_id, switch_interval_minutes,
		   auto_switch_enabled, next_switch_time, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(account_id) DO NOTHING`,
		s.AccountID, nullID(s.CurrentProxyID), s.SwitchIntervalMinutes, boolInt(s.AutoSwitch),
		s.NextSwitchTime.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

// AssignScheduleProxy points the schedule at proxyID and moves its switch window.
func AssignScheduleProxy(ctx context.Context, q Queryer, accountID, proxyID int64, now, next time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE account_proxy_schedules
		    SET current_proxy_id = ?, last_switch_time = ?, next_switch_time = ?, updated_at = ?
		  WHERE account_id = ?`,
		proxyID, now.UnixMilli(), next.UnixMilli(), now.UnixMilli(), accountID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func UpdateScheduleInterval(ctx context.Context, q Queryer, accountID int64, minutes int, next, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE account_proxy_schedules
		    SET switch_interval_minutes = ?, next_switch_time = ?, updated_at = ?
		  WHERE account_id = ?`,
		minutes, next.UnixMilli(), now.UnixMilli(), accountID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func SetScheduleAutoSwitch(ctx context.Context, q Queryer, accountID int64, enabled bool, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE account_proxy_schedules SET auto_switch_enabled = ?, updated_at = ? WHERE account_id = ?`,
		boolInt(enabled), now.UnixMilli(), accountID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// DueSchedules lists schedules with auto switch on and next_switch_time <= now.
func DueSchedules(ctx context.Context, q Queryer, now time.Time) ([]model.Schedule, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM account_proxy_schedules
		  WHERE auto_switch_enabled = 1 AND next_switch_time <= ?
		  ORDER BY next_switch_time ASC, account_id ASC`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ScheduledProxy joins the account's schedule to its current proxy.
// ok=false when there is no schedule, no assignment, or the proxy was deleted.
func ScheduledProxy(ctx context.Context, q Queryer, accountID int64) (model.Proxy, bool, error) {
	p, err := scanProxy(q.QueryRowContext(ctx,
		`SELECT p.id, p.name, p.type, p.host, p.port, p.username, p.password, p.country, p.provider,
		        p.is_active, p.priority, p.max_concurrent_use, p.current_use_count, p.total_success_count,
		        p.total_fail_count, p.last_used_at, p.cooldown_minutes, p.created_at, p.updated_at
		   FROM account_proxy_schedules s
		   JOIN proxies p ON p.id = s.current_proxy_id
		  WHERE s.account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proxy{}, false, nil
	}
	if err != nil {
		return model.Proxy{}, false, err
	}
	return p, true, nil
}
