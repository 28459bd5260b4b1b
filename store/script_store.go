package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"mobilecontrol/errors"
	"mobilecontrol/models"
)

type ScriptStore struct {
	db *sql.DB
}

func NewScriptStore(db *sql.DB) *ScriptStore {
	return &ScriptStore{db: db}
}

// SaveScript inserts or replaces the script row.
func (s *ScriptStore) SaveScript(script models.AutomationScript) error {
	blueprints, err := json.Marshal(script.Blueprints)
	if err != nil {
		return errors.Wrap(err, "encode blueprints")
	}
	_, err = s.db.Exec(`INSERT INTO scripts (id, name, app_id, session_id, blueprints, schedule, enabled, last_run_at, next_run_at, runs, success_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			app_id = excluded.app_id,
			session_id = excluded.session_id,
			blueprints = excluded.blueprints,
			schedule = excluded.schedule,
			enabled = excluded.enabled,
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at,
			runs = excluded.runs,
			success_rate = excluded.success_rate`,
		script.ID, script.Name, script.AppID, script.SessionID, string(blueprints), script.Schedule,
		boolToInt(script.Enabled), nullTime(script.LastRunAt), nullTime(script.NextRunAt),
		script.Runs, script.SuccessRate, script.CreatedAt.UnixNano())
	if err != nil {
		return errors.Wrapf(err, "save script %s", script.ID)
	}
	return nil
}

func (s *ScriptStore) DeleteScript(id string) error {
	res, err := s.db.Exec(`DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete script %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "script %s", id)
	}
	return nil
}

func (s *ScriptStore) LoadScripts() ([]models.AutomationScript, error) {
	rows, err := s.db.Query(`SELECT id, name, app_id, COALESCE(session_id, ''), blueprints, schedule, enabled,
			last_run_at, next_run_at, runs, success_rate, created_at
		FROM scripts ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query scripts")
	}
	defer rows.Close()

	var out []models.AutomationScript
	for rows.Next() {
		var (
			sc               models.AutomationScript
			blueprints       string
			enabled          int
			lastRun, nextRun sql.NullInt64
			createdAt        int64
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.AppID, &sc.SessionID, &blueprints, &sc.Schedule, &enabled,
			&lastRun, &nextRun, &sc.Runs, &sc.SuccessRate, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan script")
		}
		if err := json.Unmarshal([]byte(blueprints), &sc.Blueprints); err != nil {
			return nil, errors.Wrapf(err, "decode blueprints of %s", sc.ID)
		}
		sc.Enabled = enabled != 0
		sc.LastRunAt = timePtr(lastRun)
		sc.NextRunAt = timePtr(nextRun)
		sc.CreatedAt = time.Unix(0, createdAt)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
