package service

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mobilecontrol/errors"
	"mobilecontrol/models"
)

// LedgerStore persists transitions in append order.
type LedgerStore interface {
	AppendTransition(tr models.Transition) error
	LoadTransitions() ([]models.Transition, error)
}

type ledgerEntry struct {
	record models.ExecutionRecord
	seq    uint64
}

// Ledger is the append-only history of command executions. Each record's
// transitions only ever grow, and only along Pending, Running, then
// Completed or Failed.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*ledgerEntry
	seq     uint64

	store LedgerStore
	log   zerolog.Logger
}

// NewLedger creates a ledger. store may be nil for an in-memory ledger.
func NewLedger(store LedgerStore, log zerolog.Logger) *Ledger {
	return &Ledger{
		records: make(map[string]*ledgerEntry),
		store:   store,
		log:     log,
	}
}

// Load replays stored transitions. It is meant to run once at startup
// before any command is submitted.
func (l *Ledger) Load() error {
	if l.store == nil {
		return nil
	}
	transitions, err := l.store.LoadTransitions()
	if err != nil {
		return errors.Wrap(err, "load ledger")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	skipped := 0
	for _, tr := range transitions {
		if err := l.applyLocked(tr); err != nil {
			skipped++
			l.log.Warn().Err(err).Str("command", tr.CommandID).Msg("skipping stored transition")
		}
	}
	closed := l.closeOrphansLocked(time.Now())
	l.log.Info().Int("transitions", len(transitions)).Int("records", len(l.records)).
		Int("skipped", skipped).Int("closed", closed).Msg("ledger restored")
	return nil
}

// restartSummary is the result summary of records closed by Load.
const restartSummary = "controller restarted"

// closeOrphansLocked settles records left open by a previous process. No
// engine owns them any more: Running records fail with an internal error
// and Pending records are withdrawn. The closing transitions are persisted.
func (l *Ledger) closeOrphansLocked(at time.Time) int {
	ids := make([]string, 0)
	for id, entry := range l.records {
		if !entry.record.State.Terminal() && !entry.record.Withdrawn {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return l.records[ids[i]].seq < l.records[ids[j]].seq })

	for _, id := range ids {
		tr := models.Transition{CommandID: id, At: at, ResultSummary: restartSummary}
		switch l.records[id].record.State {
		case models.StateRunning:
			tr.State = models.StateFailed
			tr.ErrorKind = models.ErrorKindInternal
		default:
			tr.State = models.StatePending
			tr.Withdrawn = true
		}
		if err := l.applyLocked(tr); err != nil {
			l.log.Warn().Err(err).Str("command", id).Msg("failed to close interrupted record")
			continue
		}
		if err := l.store.AppendTransition(tr); err != nil {
			l.log.Error().Err(err).Str("command", id).Msg("failed to persist closing transition")
		}
	}
	return len(ids)
}

// Record appends one transition. The Pending transition that opens a record
// must carry the Command. A Pending transition with Withdrawn set on an
// existing Pending record closes it without changing its state.
func (l *Ledger) Record(tr models.Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.applyLocked(tr); err != nil {
		return err
	}
	if l.store != nil {
		if err := l.store.AppendTransition(tr); err != nil {
			l.log.Error().Err(err).Str("command", tr.CommandID).Str("state", string(tr.State)).Msg("failed to persist transition")
		}
	}
	return nil
}

func (l *Ledger) applyLocked(tr models.Transition) error {
	entry, exists := l.records[tr.CommandID]

	if !exists {
		if tr.State != models.StatePending || tr.Command == nil {
			return errors.Wrapf(errors.ErrNotFound, "no execution record for command %s", tr.CommandID)
		}
		cmd := tr.Command
		l.seq++
		l.records[tr.CommandID] = &ledgerEntry{
			seq: l.seq,
			record: models.ExecutionRecord{
				CommandID:     cmd.ID,
				AppID:         cmd.AppID,
				SessionID:     cmd.SessionID,
				Action:        cmd.Action.Kind(),
				CausedBy:      cmd.CausedBy,
				State:         models.StatePending,
				Transitions:   []models.StateEntry{{State: models.StatePending, At: tr.At}},
				ResultSummary: tr.ResultSummary,
				Withdrawn:     tr.Withdrawn,
				UpdatedAt:     tr.At,
			},
		}
		return nil
	}

	rec := &entry.record
	if rec.Withdrawn {
		return errors.Wrapf(errors.ErrConflict, "command %s was withdrawn", tr.CommandID)
	}

	if tr.State == models.StatePending {
		if !tr.Withdrawn || rec.State != models.StatePending {
			return errors.Wrapf(errors.ErrConflict, "command %s is already %s", tr.CommandID, rec.State)
		}
		rec.Withdrawn = true
		rec.ResultSummary = tr.ResultSummary
		l.touchLocked(entry, tr)
		return nil
	}

	if !allowedTransition(rec.State, tr.State) {
		return errors.Wrapf(errors.ErrConflict, "command %s cannot go from %s to %s", tr.CommandID, rec.State, tr.State)
	}
	rec.State = tr.State
	rec.Transitions = append(rec.Transitions, models.StateEntry{State: tr.State, At: tr.At})
	if tr.ResultSummary != "" {
		rec.ResultSummary = tr.ResultSummary
	}
	if tr.State == models.StateFailed {
		rec.ErrorKind = tr.ErrorKind
		if rec.ErrorKind == "" {
			rec.ErrorKind = models.ErrorKindInternal
		}
	}
	if tr.Plan != nil {
		p := *tr.Plan
		p.Path = append([]models.Point(nil), tr.Plan.Path...)
		rec.Plan = &p
	}
	l.touchLocked(entry, tr)
	return nil
}

func (l *Ledger) touchLocked(entry *ledgerEntry, tr models.Transition) {
	if tr.At.After(entry.record.UpdatedAt) {
		entry.record.UpdatedAt = tr.At
	}
	l.seq++
	entry.seq = l.seq
}

func allowedTransition(from, to models.CommandState) bool {
	switch from {
	case models.StatePending:
		return to == models.StateRunning
	case models.StateRunning:
		return to == models.StateCompleted || to == models.StateFailed
	}
	return false
}

// Get returns a copy of the record for commandID.
func (l *Ledger) Get(commandID string) (models.ExecutionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.records[commandID]
	if !ok {
		return models.ExecutionRecord{}, false
	}
	return entry.record.Clone(), true
}

// Exists reports whether a record for commandID has been created.
func (l *Ledger) Exists(commandID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.records[commandID]
	return ok
}

// History returns copies of the records matching filter, most recently
// updated first.
func (l *Ledger) History(filter models.HistoryFilter) []models.ExecutionRecord {
	l.mu.RLock()
	matched := make([]*ledgerEntry, 0, len(l.records))
	for _, entry := range l.records {
		if filter.Match(entry.record) {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.record.UpdatedAt.Equal(b.record.UpdatedAt) {
			return a.record.UpdatedAt.After(b.record.UpdatedAt)
		}
		return a.seq > b.seq
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]models.ExecutionRecord, 0, len(matched))
	for _, entry := range matched {
		out = append(out, entry.record.Clone())
	}
	l.mu.RUnlock()
	return out
}
