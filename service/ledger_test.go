package service

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobilecontrol/config"
	"mobilecontrol/errors"
	"mobilecontrol/models"
	"mobilecontrol/store"
)

var ledgerEpoch = time.Unix(1_760_000_000, 0)

func ledgerCommand(id, app, session string) *models.Command {
	return &models.Command{
		ID:        id,
		AppID:     app,
		SessionID: session,
		Action:    models.Like{Target: "id:latest_post"},
		CreatedAt: ledgerEpoch,
	}
}

func at(sec int) time.Time { return ledgerEpoch.Add(time.Duration(sec) * time.Second) }

func pending(cmd *models.Command, sec int) models.Transition {
	return models.Transition{CommandID: cmd.ID, State: models.StatePending, At: at(sec), Command: cmd}
}

func step(id string, state models.CommandState, sec int) models.Transition {
	return models.Transition{CommandID: id, State: state, At: at(sec)}
}

func TestLedgerLifecycle(t *testing.T) {
	l := NewLedger(nil, zerolog.Nop())
	cmd := ledgerCommand("c1", "instagram", "s1")

	require.NoError(t, l.Record(pending(cmd, 0)))
	plan := &models.ExecutionPlan{Mode: models.ModeShadow, Path: []models.Point{{X: 1, Y: 2}}}
	running := step("c1", models.StateRunning, 1)
	running.Plan = plan
	require.NoError(t, l.Record(running))
	plan.Path[0].X = 99 // the ledger keeps its own copy

	failed := step("c1", models.StateFailed, 2)
	failed.ResultSummary = "boom"
	require.NoError(t, l.Record(failed))

	rec, ok := l.Get("c1")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, rec.State)
	assert.Equal(t, models.ErrorKindInternal, rec.ErrorKind)
	assert.Equal(t, "boom", rec.ResultSummary)
	assert.Equal(t, models.ActionLike, rec.Action)
	assert.Equal(t, 1, rec.Plan.Path[0].X)
	assert.Equal(t, at(2), rec.UpdatedAt)

	states := make([]models.CommandState, 0, len(rec.Transitions))
	for _, e := range rec.Transitions {
		states = append(states, e.State)
	}
	assert.Equal(t, []models.CommandState{models.StatePending, models.StateRunning, models.StateFailed}, states)
}

func TestLedgerRejectsIllegalTransitions(t *testing.T) {
	l := NewLedger(nil, zerolog.Nop())
	cmd := ledgerCommand("c1", "instagram", "s1")

	assert.True(t, errors.Is(l.Record(step("ghost", models.StateRunning, 0)), errors.ErrNotFound))
	assert.True(t, errors.Is(l.Record(models.Transition{CommandID: "c1", State: models.StatePending}), errors.ErrNotFound),
		"pending without a command cannot open a record")

	require.NoError(t, l.Record(pending(cmd, 0)))
	assert.True(t, errors.Is(l.Record(step("c1", models.StateCompleted, 1)), errors.ErrConflict), "pending cannot skip running")
	assert.True(t, errors.Is(l.Record(pending(cmd, 1)), errors.ErrConflict), "pending twice")

	require.NoError(t, l.Record(step("c1", models.StateRunning, 1)))
	assert.True(t, errors.Is(l.Record(step("c1", models.StateRunning, 2)), errors.ErrConflict))
	require.NoError(t, l.Record(step("c1", models.StateCompleted, 2)))
	assert.True(t, errors.Is(l.Record(step("c1", models.StateFailed, 3)), errors.ErrConflict), "terminal states are final")

	rec, _ := l.Get("c1")
	assert.Equal(t, models.StateCompleted, rec.State)
	assert.Len(t, rec.Transitions, 3)
	assert.Empty(t, rec.ErrorKind)
}

func TestLedgerWithdraw(t *testing.T) {
	l := NewLedger(nil, zerolog.Nop())
	cmd := ledgerCommand("c1", "instagram", "s1")
	require.NoError(t, l.Record(pending(cmd, 0)))

	withdraw := models.Transition{CommandID: "c1", State: models.StatePending, At: at(1), Withdrawn: true, ResultSummary: "cancelled before dispatch"}
	require.NoError(t, l.Record(withdraw))

	rec, _ := l.Get("c1")
	assert.True(t, rec.Withdrawn)
	assert.Equal(t, models.StatePending, rec.State)
	assert.Len(t, rec.Transitions, 1)
	assert.Equal(t, "cancelled before dispatch", rec.ResultSummary)

	assert.True(t, errors.Is(l.Record(step("c1", models.StateRunning, 2)), errors.ErrConflict))

	// A running command can no longer be withdrawn.
	other := ledgerCommand("c2", "instagram", "s1")
	require.NoError(t, l.Record(pending(other, 0)))
	require.NoError(t, l.Record(step("c2", models.StateRunning, 1)))
	withdraw.CommandID = "c2"
	assert.True(t, errors.Is(l.Record(withdraw), errors.ErrConflict))
}

func TestLedgerHistoryOrderAndFilter(t *testing.T) {
	l := NewLedger(nil, zerolog.Nop())
	require.NoError(t, l.Record(pending(ledgerCommand("a", "instagram", "s1"), 0)))
	require.NoError(t, l.Record(pending(ledgerCommand("b", "instagram", "s2"), 5)))
	require.NoError(t, l.Record(pending(ledgerCommand("c", "threads", "s1"), 5)))
	require.NoError(t, l.Record(step("a", models.StateRunning, 10)))

	ids := func(recs []models.ExecutionRecord) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.CommandID)
		}
		return out
	}

	// Same timestamp falls back to append order, newest first.
	assert.Equal(t, []string{"a", "c", "b"}, ids(l.History(models.HistoryFilter{})))
	assert.Equal(t, []string{"a", "b"}, ids(l.History(models.HistoryFilter{AppID: "instagram"})))
	assert.Equal(t, []string{"a", "c"}, ids(l.History(models.HistoryFilter{SessionID: "s1"})))
	assert.Equal(t, []string{"c", "b"}, ids(l.History(models.HistoryFilter{State: models.StatePending})))
	assert.Equal(t, []string{"a"}, ids(l.History(models.HistoryFilter{Limit: 1})))
	assert.Equal(t, []string{"c", "b"}, ids(l.History(models.HistoryFilter{Until: at(6)})))
	assert.Equal(t, []string{"a"}, ids(l.History(models.HistoryFilter{Since: at(6)})))
}

// Every read of a record is a prefix of every later read.
func TestLedgerRecordsOnlyGrow(t *testing.T) {
	l := NewLedger(nil, zerolog.Nop())
	cmd := ledgerCommand("c1", "instagram", "s1")

	var snapshots []models.ExecutionRecord
	for i, tr := range []models.Transition{pending(cmd, 0), step("c1", models.StateRunning, 1), step("c1", models.StateCompleted, 2)} {
		require.NoError(t, l.Record(tr), "transition %d", i)
		rec, _ := l.Get("c1")
		snapshots = append(snapshots, rec)
	}
	for i := 1; i < len(snapshots); i++ {
		prev, next := snapshots[i-1].Transitions, snapshots[i].Transitions
		require.Len(t, next, len(prev)+1)
		if diff := cmp.Diff(prev, next[:len(prev)]); diff != "" {
			t.Fatalf("transitions rewritten (-before +after):\n%s", diff)
		}
	}
}

func TestLedgerPersistsAndReplays(t *testing.T) {
	db, err := config.InitDatabase(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := store.NewExecutionStore(db)
	l := NewLedger(s, zerolog.Nop())

	c1 := ledgerCommand("c1", "instagram", "s1")
	c2 := ledgerCommand("c2", "instagram", "s2")
	c2.CausedBy = "c1"
	c2.Action = models.Comment{Target: "id:latest_post", Text: "nice"}

	running := step("c1", models.StateRunning, 1)
	running.Plan = &models.ExecutionPlan{Mode: models.ModeVisible, PreDelayMs: 20, Path: []models.Point{{X: 80, Y: 1850}}}
	failed := step("c1", models.StateFailed, 2)
	failed.ErrorKind = models.ErrorKindSelectorFailed
	failed.ResultSummary = "no match"
	withdraw := models.Transition{CommandID: "c2", State: models.StatePending, At: at(4), Withdrawn: true, ResultSummary: "device unavailable"}

	for _, tr := range []models.Transition{pending(c1, 0), running, failed, pending(c2, 3), withdraw} {
		require.NoError(t, l.Record(tr))
	}

	replayed := NewLedger(s, zerolog.Nop())
	require.NoError(t, replayed.Load())

	want := l.History(models.HistoryFilter{})
	got := replayed.History(models.HistoryFilter{})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("replayed ledger differs (-want +got):\n%s", diff)
	}
	rec, ok := replayed.Get("c2")
	require.True(t, ok)
	assert.Equal(t, "c1", rec.CausedBy)
	assert.Equal(t, models.ActionComment, rec.Action)
	assert.True(t, rec.Withdrawn)
}

func TestLedgerLoadClosesInterruptedRecords(t *testing.T) {
	db, err := config.InitDatabase(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := store.NewExecutionStore(db)
	before := NewLedger(s, zerolog.Nop())
	require.NoError(t, before.Record(pending(ledgerCommand("c1", "instagram", "s1"), 0)))
	require.NoError(t, before.Record(step("c1", models.StateRunning, 1)))
	require.NoError(t, before.Record(pending(ledgerCommand("c2", "instagram", "s1"), 2)))
	require.NoError(t, before.Record(pending(ledgerCommand("c3", "instagram", "s2"), 3)))
	require.NoError(t, before.Record(step("c3", models.StateRunning, 4)))
	require.NoError(t, before.Record(step("c3", models.StateCompleted, 5)))

	restarted := NewLedger(s, zerolog.Nop())
	require.NoError(t, restarted.Load())

	c1, ok := restarted.Get("c1")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, c1.State)
	assert.True(t, c1.State.Terminal())
	assert.Equal(t, models.ErrorKindInternal, c1.ErrorKind)
	assert.Equal(t, restartSummary, c1.ResultSummary)
	states := make([]models.CommandState, 0, len(c1.Transitions))
	for _, e := range c1.Transitions {
		states = append(states, e.State)
	}
	assert.Equal(t, []models.CommandState{models.StatePending, models.StateRunning, models.StateFailed}, states)

	c2, ok := restarted.Get("c2")
	require.True(t, ok)
	assert.Equal(t, models.StatePending, c2.State)
	assert.True(t, c2.Withdrawn)
	assert.Len(t, c2.Transitions, 1)

	c3, ok := restarted.Get("c3")
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, c3.State)
	assert.Empty(t, c3.ErrorKind)

	// The closing transitions were persisted, so a second restart finds
	// nothing left to close.
	again := NewLedger(s, zerolog.Nop())
	require.NoError(t, again.Load())
	if diff := cmp.Diff(restarted.History(models.HistoryFilter{}), again.History(models.HistoryFilter{})); diff != "" {
		t.Fatalf("second restart changed the ledger (-first +second):\n%s", diff)
	}
}
