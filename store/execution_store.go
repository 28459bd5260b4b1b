// Package store persists ledger transitions and automation scripts in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"mobilecontrol/errors"
	"mobilecontrol/models"
)

// ExecutionStore appends ledger transitions. Rows are never updated or
// deleted.
type ExecutionStore struct {
	db *sql.DB
}

func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) AppendTransition(tr models.Transition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transition insert")
	}
	defer tx.Rollback()

	if tr.Command != nil {
		payload, err := json.Marshal(tr.Command)
		if err != nil {
			return errors.Wrap(err, "encode command")
		}
		_, err = tx.Exec(`INSERT OR IGNORE INTO commands (id, app_id, session_id, action, caused_by, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tr.Command.ID, tr.Command.AppID, tr.Command.SessionID, string(tr.Command.Action.Kind()),
			tr.Command.CausedBy, string(payload), tr.Command.CreatedAt.UnixNano())
		if err != nil {
			return errors.Wrapf(err, "insert command %s", tr.CommandID)
		}
	}

	var plan sql.NullString
	if tr.Plan != nil {
		b, err := json.Marshal(tr.Plan)
		if err != nil {
			return errors.Wrap(err, "encode plan")
		}
		plan = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.Exec(`INSERT INTO execution_transitions (command_id, state, at, result_summary, error_kind, withdrawn, plan)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.CommandID, string(tr.State), tr.At.UnixNano(), tr.ResultSummary, string(tr.ErrorKind), boolToInt(tr.Withdrawn), plan)
	if err != nil {
		return errors.Wrapf(err, "insert transition %s/%s", tr.CommandID, tr.State)
	}
	return tx.Commit()
}

// LoadTransitions returns every stored transition in append order. Pending
// transitions carry the command decoded from its stored payload.
func (s *ExecutionStore) LoadTransitions() ([]models.Transition, error) {
	rows, err := s.db.Query(`SELECT t.command_id, t.state, t.at, COALESCE(t.result_summary, ''), COALESCE(t.error_kind, ''),
			t.withdrawn, t.plan, c.payload
		FROM execution_transitions t JOIN commands c ON c.id = t.command_id
		ORDER BY t.seq`)
	if err != nil {
		return nil, errors.Wrap(err, "query transitions")
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var (
			tr          models.Transition
			state, kind string
			at          int64
			withdrawn   int
			plan        sql.NullString
			payload     string
		)
		if err := rows.Scan(&tr.CommandID, &state, &at, &tr.ResultSummary, &kind, &withdrawn, &plan, &payload); err != nil {
			return nil, errors.Wrap(err, "scan transition")
		}
		tr.State = models.CommandState(state)
		tr.At = time.Unix(0, at)
		tr.ErrorKind = models.ErrorKind(kind)
		tr.Withdrawn = withdrawn != 0
		if plan.Valid {
			var p models.ExecutionPlan
			if err := json.Unmarshal([]byte(plan.String), &p); err != nil {
				return nil, errors.Wrapf(err, "decode plan of %s", tr.CommandID)
			}
			tr.Plan = &p
		}
		if tr.State == models.StatePending {
			var cmd models.Command
			if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
				return nil, errors.Wrapf(err, "decode command %s", tr.CommandID)
			}
			tr.Command = &cmd
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
