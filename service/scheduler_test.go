package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mobilecontrol/adb"
	"mobilecontrol/config"
	"mobilecontrol/errors"
	"mobilecontrol/models"
	"mobilecontrol/store"
)

// fakeRunner validates with the real validator and completes every command
// unless its action is listed in fail.
type fakeRunner struct {
	validator *Validator

	mu       sync.Mutex
	executed []models.RawCommand
	gate     chan struct{}
	fail     map[string]bool
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{validator: newTestValidator(t), fail: map[string]bool{}}
}

func (r *fakeRunner) Validate(raw models.RawCommand) (*models.Command, error) {
	return r.validator.Validate(raw)
}

func (r *fakeRunner) Execute(ctx context.Context, raw models.RawCommand) (models.ExecutionRecord, error) {
	r.mu.Lock()
	r.executed = append(r.executed, raw)
	gate, fail := r.gate, r.fail[raw.Action]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.ExecutionRecord{}, ctx.Err()
		}
	}
	rec := models.ExecutionRecord{CommandID: uuid.New().String(), AppID: raw.AppID, SessionID: raw.SessionID, State: models.StateCompleted}
	if fail {
		rec.State = models.StateFailed
		rec.ErrorKind = models.ErrorKindTransport
		rec.ResultSummary = "boom"
	}
	return rec, nil
}

func (r *fakeRunner) Executed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func newTestScheduler(t *testing.T, runner CommandRunner, st ScriptStore, hub *recordingHub) *Scheduler {
	t.Helper()
	s := NewScheduler(runner, st, NewNotifier(hub), 10*time.Millisecond, zerolog.Nop())
	t.Cleanup(s.Stop)
	return s
}

func threeStepScript() models.AutomationScript {
	return models.AutomationScript{
		Name:      "warm up",
		AppID:     "instagram",
		SessionID: "s1",
		Schedule:  "@every 1h",
		Blueprints: []models.Blueprint{
			{Action: "back"},
			{Action: "like", Target: "id:latest_post"},
			{Action: "home"},
		},
	}
}

func TestCreateScriptValidatesBlueprints(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner(t), nil, &recordingHub{})

	in := threeStepScript()
	in.Blueprints[1].Target = ""
	_, err := s.CreateScript(in)
	require.Error(t, err)
	assert.Equal(t, "blueprints[1].target", errors.ValidationField(err))

	in = threeStepScript()
	in.Schedule = "every tuesday"
	_, err = s.CreateScript(in)
	assert.Equal(t, "schedule", errors.ValidationField(err))

	in = threeStepScript()
	in.Name = ""
	_, err = s.CreateScript(in)
	assert.Equal(t, "name", errors.ValidationField(err))

	assert.Empty(t, s.ListScripts())
}

func TestCreateScriptSchedulesNextRun(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner(t), nil, &recordingHub{})

	in := threeStepScript()
	in.Enabled = true
	sc, err := s.CreateScript(in)
	require.NoError(t, err)
	require.NotNil(t, sc.NextRunAt)
	assert.WithinDuration(t, sc.CreatedAt.Add(time.Hour), *sc.NextRunAt, time.Second)

	disabled, err := s.DisableScript(sc.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Nil(t, disabled.NextRunAt)

	enabled, err := s.EnableScript(sc.ID)
	require.NoError(t, err)
	assert.NotNil(t, enabled.NextRunAt)

	_, err = s.EnableScript("missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestInstantScriptRunsOnceOnCreate(t *testing.T) {
	runner := newFakeRunner(t)
	hub := &recordingHub{}
	s := newTestScheduler(t, runner, nil, hub)

	in := threeStepScript()
	in.Schedule = models.ScheduleInstant
	in.Enabled = true
	sc, err := s.CreateScript(in)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := s.GetScript(sc.ID)
		return got.Runs == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := s.GetScript(sc.ID)
	assert.Equal(t, 3, runner.Executed())
	assert.Nil(t, got.NextRunAt, "instant scripts are not requeued")
	assert.Equal(t, 1.0, got.SuccessRate)
	assert.Contains(t, hub.Types(), models.EventScriptRunFinished)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	runner := newFakeRunner(t)
	runner.fail["like"] = true
	s := newTestScheduler(t, runner, nil, &recordingHub{})

	sc, err := s.CreateScript(threeStepScript())
	require.NoError(t, err)

	run, err := s.Run(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 1, run.Completed)
	assert.Equal(t, 1, run.StoppedAt)
	assert.InDelta(t, 1.0/3.0, run.Fraction, 1e-9)
	assert.Len(t, run.Records, 2)
	assert.Contains(t, run.Error, "boom")
	assert.Equal(t, 2, runner.Executed(), "the third blueprint never runs")
}

func TestRunConflictsWhileRunning(t *testing.T) {
	runner := newFakeRunner(t)
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, runner, nil, &recordingHub{})

	in := threeStepScript()
	in.Schedule = models.ScheduleInstant
	in.Enabled = true
	sc, err := s.CreateScript(in)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runner.Executed() == 1 }, time.Second, time.Millisecond)
	_, err = s.Run(context.Background(), sc.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	close(runner.gate)
	require.Eventually(t, func() bool {
		got, _ := s.GetScript(sc.ID)
		return got.Runs == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.Run(context.Background(), "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRunOutlivesCaller(t *testing.T) {
	runner := newFakeRunner(t)
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, runner, nil, &recordingHub{})
	sc, err := s.CreateScript(threeStepScript())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, sc.ID)
		errc <- err
	}()

	require.Eventually(t, func() bool { return runner.Executed() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after its caller left")
	}

	close(runner.gate)
	require.Eventually(t, func() bool {
		got, _ := s.GetScript(sc.ID)
		return got.Runs == 1
	}, 2*time.Second, 5*time.Millisecond)
	got, _ := s.GetScript(sc.ID)
	assert.Equal(t, 1.0, got.SuccessRate)
	assert.Equal(t, 3, runner.Executed())
}

func TestShutdownDoesNotCountPartialRun(t *testing.T) {
	runner := newFakeRunner(t)
	runner.gate = make(chan struct{})
	s := newTestScheduler(t, runner, nil, &recordingHub{})
	sc, err := s.CreateScript(threeStepScript())
	require.NoError(t, err)

	runs := make(chan models.ScriptRun, 1)
	go func() {
		run, _ := s.Run(context.Background(), sc.ID)
		runs <- run
	}()

	require.Eventually(t, func() bool { return runner.Executed() == 1 }, time.Second, time.Millisecond)
	s.Stop()

	run := <-runs
	assert.Equal(t, 0, run.StoppedAt)
	got, _ := s.GetScript(sc.ID)
	assert.Zero(t, got.Runs)
	assert.Zero(t, got.SuccessRate)
	assert.Nil(t, got.LastRunAt)

	_, err = s.Run(context.Background(), sc.ID)
	assert.Error(t, err)
}

func TestEmptyScriptCountsAsSuccess(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner(t), nil, &recordingHub{})
	in := threeStepScript()
	in.Blueprints = nil
	sc, err := s.CreateScript(in)
	require.NoError(t, err)

	run, err := s.Run(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, run.Fraction)
	assert.Equal(t, -1, run.StoppedAt)
}

func TestDeleteScript(t *testing.T) {
	s := newTestScheduler(t, newFakeRunner(t), nil, &recordingHub{})
	sc, err := s.CreateScript(threeStepScript())
	require.NoError(t, err)

	require.NoError(t, s.DeleteScript(sc.ID))
	_, err = s.GetScript(sc.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteScript(sc.ID), errors.ErrNotFound))
}

// Runs a real engine against the fake device: the second blueprint cannot
// find its target on the first run, then the screen shows it.
func TestScriptSuccessRateAgainstEngine(t *testing.T) {
	h := newHarness(t, testEngineConfig())
	session := h.connect(t, "emulator-5554")
	s := newTestScheduler(t, h.engine, nil, &recordingHub{})

	in := threeStepScript()
	in.SessionID = session.ID
	sc, err := s.CreateScript(in)
	require.NoError(t, err)

	h.transport.mu.Lock()
	h.transport.ui = &adb.UINode{Class: "android.widget.FrameLayout", Bounds: "[0,0][1080,2400]"}
	h.transport.mu.Unlock()

	run, err := s.Run(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.StoppedAt)
	assert.InDelta(t, 1.0/3.0, run.Fraction, 1e-9)
	require.Len(t, run.Records, 2)
	assert.Equal(t, models.StateFailed, run.Records[1].State)
	assert.Equal(t, models.ErrorKindSelectorFailed, run.Records[1].ErrorKind)

	got, _ := s.GetScript(sc.ID)
	assert.Equal(t, 1, got.Runs)
	assert.InDelta(t, 1.0/3.0, got.SuccessRate, 1e-9)

	h.transport.mu.Lock()
	h.transport.ui = sampleUI()
	h.transport.mu.Unlock()

	run, err = s.Run(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, run.StoppedAt)
	assert.Equal(t, 1.0, run.Fraction)

	got, _ = s.GetScript(sc.ID)
	assert.Equal(t, 2, got.Runs)
	assert.InDelta(t, 2.0/3.0, got.SuccessRate, 1e-9)
	assert.GreaterOrEqual(t, got.SuccessRate, 0.0)
	assert.LessOrEqual(t, got.SuccessRate, 1.0)
	assert.Nil(t, got.NextRunAt, "disabled scripts are not requeued")
}

func TestSchedulerLoopRunsDueScripts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	db, err := config.InitDatabase(":memory:")
	require.NoError(t, err)
	defer db.Close()
	st := store.NewScriptStore(db)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.SaveScript(models.AutomationScript{
		ID:         "nightly",
		Name:       "nightly",
		AppID:      "instagram",
		SessionID:  "s1",
		Schedule:   "@every 1h",
		Enabled:    true,
		NextRunAt:  &past,
		Blueprints: []models.Blueprint{{Action: "home"}},
		CreatedAt:  past,
	}))

	runner := newFakeRunner(t)
	s := NewScheduler(runner, st, nil, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, s.Load())
	s.Start()

	require.Eventually(t, func() bool {
		got, _ := s.GetScript("nightly")
		return got.Runs == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	got, err := s.GetScript("nightly")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *got.NextRunAt, 5*time.Second)
	assert.Equal(t, 1, runner.Executed())

	stored, err := st.LoadScripts()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].Runs)
	assert.Equal(t, 1.0, stored[0].SuccessRate)
}
