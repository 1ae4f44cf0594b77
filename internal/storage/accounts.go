package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"matrixpub/internal/model"
)

func InsertAccount(ctx context.Context, q Queryer, a model.Account, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO accounts(platform, username, credential_path, is_active, created_at) VALUES(?,?,?,?,?)`,
		int(a.Platform), a.Username, a.CredentialPath, boolInt(a.Active), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanAccount(r rowScanner) (model.Account, error) {
	var (
		a       model.Account
		active  int
		created int64
	)
	if err := r.Scan(&a.ID, &a.Platform, &a.Username, &a.CredentialPath, &active, &created); err != nil {
		return model.Account{}, err
	}
	a.Active = active != 0
	a.CreatedAt = time.UnixMilli(created)
	return a, nil
}

func GetAccount(ctx context.Context, q Queryer, id int64) (model.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT id, platform, username, credential_path, is_active, created_at FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("account %d: %w", id, model.ErrNotFound)
	}
	return a, err
}

// ActiveAccountIDs lists the ids of active accounts on platform, ascending.
func ActiveAccountIDs(ctx context.Context, q Queryer, platform model.Platform) ([]int64, error) {
	return queryInt64s(ctx, q,
		`SELECT id FROM accounts WHERE platform = ? AND is_active = 1 ORDER BY id`, int(platform))
}

func ListAccounts(ctx context.Context, q Queryer, platform model.Platform) ([]model.Account, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, platform, username, credential_path, is_active, created_at FROM accounts
		  WHERE (? = 0 OR platform = ?) ORDER BY id`, int(platform), int(platform))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func SetAccountActive(ctx context.Context, q Queryer, id int64, active bool) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE accounts SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func InsertMediaFile(ctx context.Context, q Queryer, f model.MediaFile, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO media_files(name, path, created_at) VALUES(?,?,?)`, f.Name, f.Path, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetMediaFile(ctx context.Context, q Queryer, id int64) (model.MediaFile, error) {
	var (
		f       model.MediaFile
		created int64
	)
	err := q.QueryRowContext(ctx, `SELECT id, name, path, created_at FROM media_files WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Path, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MediaFile{}, fmt.Errorf("media file %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.MediaFile{}, err
	}
	f.CreatedAt = time.UnixMilli(created)
	return f, nil
}

// UpsertCookieRecord inserts or replaces the account's cookie bookkeeping row.
func UpsertCookieRecord(ctx context.Context, q Queryer, c model.CookieRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO cookie_records(account_id, path, is_valid, validation_message, refresh_interval_hours,
		   next_refresh_time, last_refresh_time, auto_refresh_enabled)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   path = excluded.path,
		   is_valid = excluded.is_valid,
		   validation_message = excluded.validation_message,
		   refresh_interval_hours = excluded.refresh_interval_hours,
		   next_refresh_time = excluded.next_refresh_time,
		   last_refresh_time = excluded.last_refresh_time,
		   auto_refresh_enabled = excluded.auto_refresh_enabled`,
		c.AccountID, c.Path, boolInt(c.Valid), nullStr(c.ValidationMessage), c.RefreshIntervalHrs,
		millis(c.NextRefreshTime), millis(c.LastRefreshTime), boolInt(c.AutoRefresh))
	return err
}

// CookiesDue lists records with auto refresh on that are invalid or past
// their next_refresh_time.
func CookiesDue(ctx context.Context, q Queryer, now time.Time) ([]model.CookieRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account_id, path, is_valid, validation_message, refresh_interval_hours,
		        next_refresh_time, last_refresh_time, auto_refresh_enabled
		   FROM cookie_records
		  WHERE auto_refresh_enabled = 1 AND (is_valid = 0 OR next_refresh_time <= ?)
		  ORDER BY account_id`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CookieRecord
	for rows.Next() {
		var (
			c           model.CookieRecord
			valid, auto int
			msg         sql.NullString
			next, last  sql.NullInt64
		)
		if err := rows.Scan(&c.AccountID, &c.Path, &valid, &msg, &c.RefreshIntervalHrs, &next, &last, &auto); err != nil {
			return nil, err
		}
		c.Valid = valid != 0
		c.ValidationMessage = msg.String
		c.NextRefreshTime = fromMillis(next)
		c.LastRefreshTime = fromMillis(last)
		c.AutoRefresh = auto != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
