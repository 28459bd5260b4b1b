package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"mobilecontrol/errors"
	"mobilecontrol/models"
)

// ScriptStore persists automation scripts.
type ScriptStore interface {
	SaveScript(script models.AutomationScript) error
	DeleteScript(id string) error
	LoadScripts() ([]models.AutomationScript, error)
}

// CommandRunner is the part of the engine the scheduler drives.
type CommandRunner interface {
	Validate(raw models.RawCommand) (*models.Command, error)
	Execute(ctx context.Context, raw models.RawCommand) (models.ExecutionRecord, error)
}

type scriptEntry struct {
	script   models.AutomationScript
	schedule cron.Schedule // nil for instant scripts
	running  bool
}

// Scheduler owns automation scripts, runs them on their schedule and keeps
// their success rate.
type Scheduler struct {
	runner   CommandRunner
	store    ScriptStore
	events   *Notifier
	parser   cron.Parser
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	scripts map[string]*scriptEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler creates a scheduler. store may be nil to keep scripts in
// memory only.
func NewScheduler(runner CommandRunner, store ScriptStore, events *Notifier, tickInterval time.Duration, log zerolog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		store:    store,
		events:   events,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: tickInterval,
		log:      log,
		scripts:  make(map[string]*scriptEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Scheduler) parseSchedule(rule string) (cron.Schedule, error) {
	rule = strings.TrimSpace(rule)
	if rule == models.ScheduleInstant {
		return nil, nil
	}
	if rule == "" {
		return nil, errors.Invalid("schedule", "must be a cron rule or \"instant\"")
	}
	sched, err := s.parser.Parse(rule)
	if err != nil {
		return nil, errors.Invalid("schedule", err.Error())
	}
	return sched, nil
}

// Load restores persisted scripts. Enabled scripts whose next run is unknown
// are scheduled from now.
func (s *Scheduler) Load() error {
	if s.store == nil {
		return nil
	}
	scripts, err := s.store.LoadScripts()
	if err != nil {
		return errors.Wrap(err, "load scripts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range scripts {
		sched, err := s.parseSchedule(sc.Schedule)
		if err != nil {
			s.log.Warn().Err(err).Str("script", sc.ID).Msg("skipping stored script with bad schedule")
			continue
		}
		if sc.Enabled && sched != nil && sc.NextRunAt == nil {
			next := sched.Next(time.Now())
			sc.NextRunAt = &next
		}
		s.scripts[sc.ID] = &scriptEntry{script: sc, schedule: sched}
	}
	s.log.Info().Int("scripts", len(s.scripts)).Msg("scripts restored")
	return nil
}

// CreateScript registers a new script. Every blueprint must validate for the
// script's app and session. An enabled instant script starts running
// immediately.
func (s *Scheduler) CreateScript(in models.AutomationScript) (models.AutomationScript, error) {
	if strings.TrimSpace(in.Name) == "" {
		return models.AutomationScript{}, errors.Invalid("name", "must not be empty")
	}
	if strings.TrimSpace(in.AppID) == "" {
		return models.AutomationScript{}, errors.Invalid("app_id", "must not be empty")
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return models.AutomationScript{}, errors.Invalid("session_id", "must not be empty")
	}
	sched, err := s.parseSchedule(in.Schedule)
	if err != nil {
		return models.AutomationScript{}, err
	}
	for i, bp := range in.Blueprints {
		if _, err := s.runner.Validate(bp.Instantiate(in.AppID, in.SessionID)); err != nil {
			var ve *errors.ValidationError
			if errors.As(err, &ve) {
				return models.AutomationScript{}, errors.Invalid(fmt.Sprintf("blueprints[%d].%s", i, ve.Field), ve.Reason)
			}
			return models.AutomationScript{}, err
		}
	}

	sc := in.Clone()
	sc.ID = uuid.New().String()
	sc.Schedule = strings.TrimSpace(in.Schedule)
	sc.CreatedAt = time.Now()
	sc.Runs = 0
	sc.SuccessRate = 0
	sc.LastRunAt = nil
	sc.NextRunAt = nil
	if sc.Enabled && sched != nil {
		next := sched.Next(sc.CreatedAt)
		sc.NextRunAt = &next
	}

	s.mu.Lock()
	s.scripts[sc.ID] = &scriptEntry{script: sc, schedule: sched}
	s.persistLocked(sc)
	s.mu.Unlock()

	s.log.Info().Str("script", sc.ID).Str("name", sc.Name).Str("schedule", sc.Schedule).Bool("enabled", sc.Enabled).Msg("script created")
	if sc.Enabled && sched == nil {
		s.launch(sc.ID)
	}
	return sc.Clone(), nil
}

// EnableScript turns scheduling on. Instant scripts run once right away;
// others are queued for their next occurrence.
func (s *Scheduler) EnableScript(id string) (models.AutomationScript, error) {
	s.mu.Lock()
	entry, ok := s.scripts[id]
	if !ok {
		s.mu.Unlock()
		return models.AutomationScript{}, errors.Wrapf(errors.ErrNotFound, "script %s", id)
	}
	wasEnabled := entry.script.Enabled
	entry.script.Enabled = true
	if entry.schedule != nil && (entry.script.NextRunAt == nil || !wasEnabled) {
		next := entry.schedule.Next(time.Now())
		entry.script.NextRunAt = &next
	}
	sc := entry.script.Clone()
	s.persistLocked(sc)
	s.mu.Unlock()

	s.log.Info().Str("script", id).Msg("script enabled")
	if !wasEnabled && entry.schedule == nil {
		s.launch(id)
	}
	return sc, nil
}

// DisableScript stops requeueing. A run already in progress finishes.
func (s *Scheduler) DisableScript(id string) (models.AutomationScript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.scripts[id]
	if !ok {
		return models.AutomationScript{}, errors.Wrapf(errors.ErrNotFound, "script %s", id)
	}
	entry.script.Enabled = false
	entry.script.NextRunAt = nil
	s.persistLocked(entry.script)
	s.log.Info().Str("script", id).Msg("script disabled")
	return entry.script.Clone(), nil
}

func (s *Scheduler) DeleteScript(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scripts[id]; !ok {
		return errors.Wrapf(errors.ErrNotFound, "script %s", id)
	}
	delete(s.scripts, id)
	if s.store != nil {
		if err := s.store.DeleteScript(id); err != nil && !errors.Is(err, errors.ErrNotFound) {
			s.log.Error().Err(err).Str("script", id).Msg("failed to delete stored script")
		}
	}
	s.log.Info().Str("script", id).Msg("script deleted")
	return nil
}

func (s *Scheduler) GetScript(id string) (models.AutomationScript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.scripts[id]
	if !ok {
		return models.AutomationScript{}, errors.Wrapf(errors.ErrNotFound, "script %s", id)
	}
	return entry.script.Clone(), nil
}

// ListScripts returns all scripts, oldest first.
func (s *Scheduler) ListScripts() []models.AutomationScript {
	s.mu.Lock()
	out := make([]models.AutomationScript, 0, len(s.scripts))
	for _, entry := range s.scripts {
		out = append(out, entry.script.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Run executes the script now and waits for the run to finish. A script
// runs at most once at a time. The run belongs to the scheduler: if ctx ends
// first Run returns ctx.Err() and the run carries on in the background.
func (s *Scheduler) Run(ctx context.Context, id string) (models.ScriptRun, error) {
	if s.ctx.Err() != nil {
		return models.ScriptRun{}, errors.New("scheduler is stopped")
	}
	if err := s.claim(id); err != nil {
		return models.ScriptRun{}, err
	}

	done := make(chan models.ScriptRun, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- s.execute(s.ctx, id)
	}()

	select {
	case run := <-done:
		return run, nil
	case <-ctx.Done():
		s.log.Info().Str("script", id).Msg("caller left, script run continues")
		return models.ScriptRun{}, ctx.Err()
	}
}

func (s *Scheduler) claim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.scripts[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "script %s", id)
	}
	if entry.running {
		return errors.Wrapf(errors.ErrConflict, "script %s is already running", id)
	}
	entry.running = true
	return nil
}

// launch starts a background run unless one is already going.
func (s *Scheduler) launch(id string) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.claim(id); err != nil {
		s.log.Debug().Err(err).Str("script", id).Msg("run not started")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, id)
	}()
}

// execute runs a claimed script's blueprints in order, stopping at the first
// one that does not complete.
func (s *Scheduler) execute(ctx context.Context, id string) models.ScriptRun {
	s.mu.Lock()
	entry, ok := s.scripts[id]
	if !ok {
		s.mu.Unlock()
		return models.ScriptRun{ScriptID: id, StoppedAt: -1, Error: "script deleted"}
	}
	sc := entry.script.Clone()
	s.mu.Unlock()

	run := models.ScriptRun{
		ScriptID:  id,
		StartedAt: time.Now(),
		Total:     len(sc.Blueprints),
		StoppedAt: -1,
	}
	log := s.log.With().Str("script", id).Logger()
	log.Info().Int("blueprints", run.Total).Msg("script run started")

	for i, bp := range sc.Blueprints {
		rec, err := s.runner.Execute(ctx, bp.Instantiate(sc.AppID, sc.SessionID))
		if rec.CommandID != "" {
			run.Records = append(run.Records, rec)
		}
		if err == nil && rec.State == models.StateCompleted {
			run.Completed++
			continue
		}

		run.StoppedAt = i
		switch {
		case err != nil:
			run.Error = err.Error()
		case rec.Withdrawn:
			run.Error = rec.ResultSummary
		default:
			run.Error = fmt.Sprintf("%s: %s", rec.ErrorKind, rec.ResultSummary)
		}
		log.Warn().Int("blueprint", i).Str("error", run.Error).Msg("script run stopped")
		break
	}

	run.FinishedAt = time.Now()
	run.Fraction = 1
	if run.Total > 0 {
		run.Fraction = float64(run.Completed) / float64(run.Total)
	}

	// A run cut short by shutdown says nothing about the script.
	interrupted := run.StoppedAt >= 0 && ctx.Err() != nil

	s.mu.Lock()
	entry, ok = s.scripts[id]
	if ok {
		entry.running = false
	}
	if ok && !interrupted {
		st := &entry.script
		st.SuccessRate = (st.SuccessRate*float64(st.Runs) + run.Fraction) / float64(st.Runs+1)
		st.Runs++
		finished := run.FinishedAt
		st.LastRunAt = &finished
		st.NextRunAt = nil
		if st.Enabled && entry.schedule != nil {
			next := entry.schedule.Next(finished)
			st.NextRunAt = &next
		}
		s.persistLocked(*st)
	}
	s.mu.Unlock()

	if interrupted {
		log.Info().Int("completed", run.Completed).Int("total", run.Total).Msg("script run interrupted, success rate unchanged")
	} else {
		log.Info().Int("completed", run.Completed).Int("total", run.Total).Float64("fraction", run.Fraction).Msg("script run finished")
	}
	ev := models.NewEvent(models.EventScriptRunFinished)
	ev.ScriptID = id
	ev.Data = run
	s.events.Publish(ev)
	return run
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
		s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	})
}

// Stop ends the loop and waits for in-progress runs to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.log.Info().Msg("scheduler stopped")
	})
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range s.due(now) {
				s.launch(id)
			}
		}
	}
}

// due lists enabled scripts whose next run time has passed.
func (s *Scheduler) due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, entry := range s.scripts {
		sc := entry.script
		if !sc.Enabled || entry.running || sc.NextRunAt == nil || now.Before(*sc.NextRunAt) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) persistLocked(sc models.AutomationScript) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveScript(sc); err != nil {
		s.log.Error().Err(err).Str("script", sc.ID).Msg("failed to persist script")
	}
}
