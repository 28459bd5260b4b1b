package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mobilecontrol/adb"
	"mobilecontrol/config"
	"mobilecontrol/errors"
	"mobilecontrol/models"
)

const defaultTouchMs = 60

// execution tracks one command between Submit and its final transition.
type execution struct {
	cmd    *models.Command
	mode   models.ExecutionMode
	cancel context.CancelFunc

	mu        sync.Mutex
	running   bool
	cancelled bool

	done     chan struct{}
	doneOnce sync.Once
}

func (x *execution) finish() {
	x.doneOnce.Do(func() { close(x.done) })
}

// Engine validates commands, records them in the ledger and drives them
// through the device transport. Each session runs one command at a time.
type Engine struct {
	devices   *DeviceManager
	catalog   *Catalog
	validator *Validator
	emulator  *Emulator
	ledger    *Ledger
	modes     *ModeSwitch
	transport Transport
	events    *Notifier
	cfg       config.EngineConfig
	log       zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*execution
	wg       sync.WaitGroup
}

func NewEngine(
	cfg config.EngineConfig,
	devices *DeviceManager,
	catalog *Catalog,
	emulator *Emulator,
	ledger *Ledger,
	modes *ModeSwitch,
	transport Transport,
	events *Notifier,
	log zerolog.Logger,
) *Engine {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.SelectorPollInterval <= 0 {
		cfg.SelectorPollInterval = 500 * time.Millisecond
	}
	return &Engine{
		devices:   devices,
		catalog:   catalog,
		validator: NewValidator(catalog, cfg.ScreenWidth, cfg.ScreenHeight),
		emulator:  emulator,
		ledger:    ledger,
		modes:     modes,
		transport: transport,
		events:    events,
		cfg:       cfg,
		log:       log,
		inflight:  make(map[string]*execution),
	}
}

// Submit validates raw, opens its Pending record and dispatches it in the
// background. Validation failures create no record. When the target session
// is not connected the command is returned together with
// ErrDeviceUnavailable and its record stays Pending.
func (e *Engine) Submit(ctx context.Context, raw models.RawCommand) (*models.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := e.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	if cmd.CausedBy != "" && !e.ledger.Exists(cmd.CausedBy) {
		return nil, errors.InvalidBecause("caused_by", errors.Wrapf(errors.ErrNotFound, "command %s", cmd.CausedBy))
	}

	if err := e.ledger.Record(models.Transition{
		CommandID: cmd.ID,
		State:     models.StatePending,
		At:        time.Now(),
		Command:   cmd,
	}); err != nil {
		return nil, errors.Wrap(err, "open execution record")
	}

	if err := e.devices.Available(cmd.SessionID); err != nil {
		e.withdraw(cmd, err.Error())
		return cmd, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	x := &execution{cmd: cmd, mode: e.modes.Mode(), cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.inflight[cmd.ID] = x
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, x)

	e.log.Debug().Str("command", cmd.ID).Str("session", cmd.SessionID).Str("action", string(cmd.Action.Kind())).Msg("command queued")
	return cmd, nil
}

// Validate checks raw without recording anything.
func (e *Engine) Validate(raw models.RawCommand) (*models.Command, error) {
	return e.validator.Validate(raw)
}

// Execute submits raw and waits for it to settle.
func (e *Engine) Execute(ctx context.Context, raw models.RawCommand) (models.ExecutionRecord, error) {
	cmd, err := e.Submit(ctx, raw)
	if err != nil {
		if cmd != nil {
			rec, _ := e.ledger.Get(cmd.ID)
			return rec, err
		}
		return models.ExecutionRecord{}, err
	}
	return e.Wait(ctx, cmd.ID)
}

// Wait blocks until the command reaches a terminal state or is withdrawn,
// then returns its record.
func (e *Engine) Wait(ctx context.Context, commandID string) (models.ExecutionRecord, error) {
	e.mu.Lock()
	x := e.inflight[commandID]
	e.mu.Unlock()

	if x != nil {
		select {
		case <-x.done:
		case <-ctx.Done():
			return models.ExecutionRecord{}, ctx.Err()
		}
	}

	rec, ok := e.ledger.Get(commandID)
	if !ok {
		return models.ExecutionRecord{}, errors.Wrapf(errors.ErrNotFound, "command %s", commandID)
	}
	return rec, nil
}

// Cancel stops a command without waiting for it. A Pending command is
// withdrawn; a Running one fails with the cancelled kind.
func (e *Engine) Cancel(commandID string) error {
	e.mu.Lock()
	x := e.inflight[commandID]
	e.mu.Unlock()

	if x == nil {
		rec, ok := e.ledger.Get(commandID)
		if !ok {
			return errors.Wrapf(errors.ErrNotFound, "command %s", commandID)
		}
		return errors.Wrapf(errors.ErrConflict, "command %s is already %s", commandID, rec.State)
	}

	if rec, ok := e.ledger.Get(commandID); ok && (rec.State.Terminal() || rec.Withdrawn) {
		return errors.Wrapf(errors.ErrConflict, "command %s is already %s", commandID, rec.State)
	}

	x.mu.Lock()
	x.cancelled = true
	running := x.running
	x.mu.Unlock()
	x.cancel()
	e.log.Info().Str("command", commandID).Bool("running", running).Msg("cancel requested")
	return nil
}

// SetShadowMode switches the execution mode for commands submitted from now
// on. Commands already submitted keep the mode they were submitted under.
func (e *Engine) SetShadowMode(on bool) {
	if !e.modes.Set(on) {
		return
	}
	e.log.Info().Bool("shadow", on).Msg("execution mode changed")
	ev := models.NewEvent(models.EventShadowMode)
	ev.Data = map[string]interface{}{"shadow": on}
	e.events.Publish(ev)
}

func (e *Engine) ShadowMode() bool {
	return e.modes.Shadow()
}

// History forwards to the ledger.
func (e *Engine) History(filter models.HistoryFilter) []models.ExecutionRecord {
	return e.ledger.History(filter)
}

// Record returns the current execution record of commandID.
func (e *Engine) Record(commandID string) (models.ExecutionRecord, error) {
	rec, ok := e.ledger.Get(commandID)
	if !ok {
		return models.ExecutionRecord{}, errors.Wrapf(errors.ErrNotFound, "command %s", commandID)
	}
	return rec, nil
}

// Close cancels everything in flight and waits for it to wind down.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, x := range e.inflight {
		x.mu.Lock()
		x.cancelled = true
		x.mu.Unlock()
		x.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, x *execution) {
	cmd := x.cmd
	log := e.log.With().Str("command", cmd.ID).Str("session", cmd.SessionID).Logger()

	defer func() {
		x.cancel()
		e.mu.Lock()
		delete(e.inflight, cmd.ID)
		e.mu.Unlock()
		x.finish()
		e.wg.Done()
	}()

	release, err := e.devices.Acquire(ctx, cmd.SessionID)
	if err != nil {
		e.withdraw(cmd, e.withdrawReason(x, err))
		return
	}
	defer release()

	plan := e.emulator.Plan(cmd, x.mode)

	if plan.PreDelayMs > 0 {
		timer := time.NewTimer(time.Duration(plan.PreDelayMs) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.withdraw(cmd, e.withdrawReason(x, ctx.Err()))
			return
		}
	}

	if err := e.devices.Available(cmd.SessionID); err != nil {
		e.withdraw(cmd, err.Error())
		return
	}
	session, _ := e.devices.GetSession(cmd.SessionID)

	x.mu.Lock()
	if x.cancelled {
		x.mu.Unlock()
		e.withdraw(cmd, "cancelled before dispatch")
		return
	}
	x.running = true
	x.mu.Unlock()

	e.transition(cmd, models.Transition{CommandID: cmd.ID, State: models.StateRunning, At: time.Now(), Plan: &plan})

	cmdCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	result := make(chan dispatchResult, 1)
	go func() {
		summary, err := e.perform(cmdCtx, cmd, plan, session.TransportAddress)
		result <- dispatchResult{summary: summary, err: err}
	}()

	select {
	case r := <-result:
		if r.err == nil {
			log.Debug().Str("summary", r.summary).Msg("command completed")
			e.transition(cmd, models.Transition{CommandID: cmd.ID, State: models.StateCompleted, At: time.Now(), ResultSummary: r.summary})
			return
		}
		e.fail(cmdCtx, cmd, x, r.err)
	case <-cmdCtx.Done():
		e.fail(cmdCtx, cmd, x, cmdCtx.Err())
		x.finish()
		// Keep the slot until the transport call has returned.
		<-result
	}
}

type dispatchResult struct {
	summary string
	err     error
}

func (e *Engine) fail(cmdCtx context.Context, cmd *models.Command, x *execution, err error) {
	x.mu.Lock()
	cancelled := x.cancelled
	x.mu.Unlock()

	kind := errors.KindOf(err)
	switch {
	case cancelled:
		kind = models.ErrorKindCancelled
		err = errors.Wrap(errors.ErrCancelled, "cancelled while running")
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		kind = models.ErrorKindTimeout
		err = errors.Wrapf(errors.ErrTimeout, "no result within %s", e.cfg.CommandTimeout)
	}

	e.log.Warn().Err(err).Str("command", cmd.ID).Str("kind", string(kind)).Msg("command failed")
	e.transition(cmd, models.Transition{
		CommandID:     cmd.ID,
		State:         models.StateFailed,
		At:            time.Now(),
		ResultSummary: err.Error(),
		ErrorKind:     kind,
	})
}

func (e *Engine) withdrawReason(x *execution, err error) string {
	x.mu.Lock()
	cancelled := x.cancelled
	x.mu.Unlock()
	if cancelled {
		return "cancelled before dispatch"
	}
	return err.Error()
}

// withdraw closes a Pending record without a state change.
func (e *Engine) withdraw(cmd *models.Command, reason string) {
	if err := e.ledger.Record(models.Transition{
		CommandID:     cmd.ID,
		State:         models.StatePending,
		At:            time.Now(),
		ResultSummary: reason,
		Withdrawn:     true,
	}); err != nil {
		e.log.Error().Err(err).Str("command", cmd.ID).Msg("failed to withdraw command")
		return
	}
	e.log.Info().Str("command", cmd.ID).Str("reason", reason).Msg("command withdrawn")
}

func (e *Engine) transition(cmd *models.Command, tr models.Transition) {
	if err := e.ledger.Record(tr); err != nil {
		e.log.Error().Err(err).Str("command", cmd.ID).Str("state", string(tr.State)).Msg("ledger rejected transition")
		return
	}

	var t models.EventType
	switch tr.State {
	case models.StateRunning:
		t = models.EventCommandRunning
	case models.StateCompleted:
		t = models.EventCommandCompleted
	case models.StateFailed:
		t = models.EventCommandFailed
	default:
		return
	}
	ev := models.NewEvent(t)
	ev.SessionID = cmd.SessionID
	ev.CommandID = cmd.ID
	if rec, ok := e.ledger.Get(cmd.ID); ok {
		ev.Data = rec
	}
	e.events.Publish(ev)
}

// perform dispatches one command and returns a short description of what
// happened on the device.
func (e *Engine) perform(ctx context.Context, cmd *models.Command, plan models.ExecutionPlan, address string) (string, error) {
	mode := plan.Mode

	switch a := cmd.Action.(type) {
	case models.Tap:
		if err := e.pointer(ctx, address, plan.Path, plan.DurationMs); err != nil {
			return "", err
		}
		return fmt.Sprintf("tapped (%d,%d) with %d-point touch", a.X, a.Y, len(plan.Path)), nil

	case models.Swipe:
		if err := e.pointer(ctx, address, plan.Path, plan.DurationMs); err != nil {
			return "", err
		}
		return fmt.Sprintf("swiped (%d,%d) to (%d,%d) along %d points", a.From.X, a.From.Y, a.To.X, a.To.Y, len(plan.Path)), nil

	case models.TypeText:
		if cmd.TargetSelectorHint != "" {
			if _, err := e.tapSelector(ctx, address, cmd.TargetSelectorHint, mode); err != nil {
				return "", err
			}
		}
		if err := e.transport.Text(ctx, address, a.Value); err != nil {
			return "", transportErr(err, "type text")
		}
		return fmt.Sprintf("typed %d characters", len([]rune(a.Value))), nil

	case models.Like:
		if err := e.social(ctx, cmd, address, a.Target, mode); err != nil {
			return "", err
		}
		return fmt.Sprintf("liked %s", a.Target), nil

	case models.Follow:
		if err := e.social(ctx, cmd, address, a.Target, mode); err != nil {
			return "", err
		}
		return fmt.Sprintf("followed %s", a.Target), nil

	case models.Comment:
		if err := e.social(ctx, cmd, address, a.Target, mode); err != nil {
			return "", err
		}
		if err := e.submitText(ctx, address, a.Text); err != nil {
			return "", err
		}
		return fmt.Sprintf("commented on %s (%d characters)", a.Target, len([]rune(a.Text))), nil

	case models.SendMessage:
		if err := e.social(ctx, cmd, address, a.Target, mode); err != nil {
			return "", err
		}
		if err := e.submitText(ctx, address, a.Text); err != nil {
			return "", err
		}
		return fmt.Sprintf("sent message to %s (%d characters)", a.Target, len([]rune(a.Text))), nil

	case models.Scroll:
		expr, err := e.actionSelector(cmd)
		if err != nil {
			return "", err
		}
		area, err := e.resolve(ctx, address, expr)
		if err != nil {
			return "", err
		}
		from, to := scrollStroke(area, a.Direction)
		if err := e.pointer(ctx, address, e.emulator.Stroke(from, to, mode), plan.DurationMs); err != nil {
			return "", err
		}
		return fmt.Sprintf("scrolled %s", a.Direction), nil

	case models.Back:
		if err := e.transport.Key(ctx, address, adb.KeycodeBack); err != nil {
			return "", transportErr(err, "back")
		}
		return "pressed back", nil

	case models.Home:
		if err := e.transport.Key(ctx, address, adb.KeycodeHome); err != nil {
			return "", transportErr(err, "home")
		}
		return "pressed home", nil

	case models.LaunchApp:
		profile, ok := e.catalog.Lookup(cmd.AppID)
		if !ok {
			return "", errors.Wrapf(errors.ErrUnknownApp, "app %q", cmd.AppID)
		}
		if err := e.transport.Launch(ctx, address, profile.PackageIdentifier, profile.EntryActivity); err != nil {
			return "", transportErr(err, "launch app")
		}
		return fmt.Sprintf("launched %s", profile.PackageIdentifier), nil
	}
	return "", errors.Newf("unsupported action %T", cmd.Action)
}

// social opens the target when it is a selector expression, then taps the
// element the action is bound to.
func (e *Engine) social(ctx context.Context, cmd *models.Command, address, target string, mode models.ExecutionMode) error {
	if _, ok := adb.ParseSelector(target); ok {
		if _, err := e.tapSelector(ctx, address, target, mode); err != nil {
			return err
		}
	}
	expr, err := e.actionSelector(cmd)
	if err != nil {
		return err
	}
	_, err = e.tapSelector(ctx, address, expr, mode)
	return err
}

func (e *Engine) submitText(ctx context.Context, address, text string) error {
	if err := e.transport.Text(ctx, address, text); err != nil {
		return transportErr(err, "type text")
	}
	if err := e.transport.Key(ctx, address, adb.KeycodeEnter); err != nil {
		return transportErr(err, "submit text")
	}
	return nil
}

// actionSelector returns the command's selector hint if set, otherwise the
// catalog's selector for the action.
func (e *Engine) actionSelector(cmd *models.Command) (string, error) {
	if cmd.TargetSelectorHint != "" {
		return cmd.TargetSelectorHint, nil
	}
	expr, err := e.catalog.Resolve(cmd.AppID, cmd.Action.Kind())
	if err != nil {
		return "", errors.Mark(err, errors.ErrSelectorResolution)
	}
	return expr, nil
}

func (e *Engine) tapSelector(ctx context.Context, address, expr string, mode models.ExecutionMode) (models.Point, error) {
	area, err := e.resolve(ctx, address, expr)
	if err != nil {
		return models.Point{}, err
	}
	center := area.Center()
	if err := e.pointer(ctx, address, e.emulator.Touch(center, mode), 0); err != nil {
		return models.Point{}, err
	}
	return center, nil
}

// resolve polls the UI hierarchy until the selector matches an element or
// the selector wait runs out. ctx bounds the whole poll.
func (e *Engine) resolve(ctx context.Context, address, expr string) (adb.Rect, error) {
	sel, ok := adb.ParseSelector(expr)
	if !ok {
		return adb.Rect{}, errors.Wrapf(errors.ErrSelectorResolution, "invalid selector expression %q", expr)
	}

	deadline := time.Now().Add(e.cfg.SelectorWait)
	var lastErr error
	for attempt := 1; ; attempt++ {
		root, err := e.transport.DumpUI(ctx, address)
		if err == nil {
			if node := adb.Find(root, sel); node != nil {
				area, _ := adb.ParseBounds(node.Bounds)
				return area, nil
			}
		} else {
			if ctx.Err() != nil {
				return adb.Rect{}, ctx.Err()
			}
			lastErr = err
		}

		if !time.Now().Add(e.cfg.SelectorPollInterval).Before(deadline) {
			if lastErr != nil {
				return adb.Rect{}, errors.Mark(errors.Wrapf(lastErr, "selector %s not resolved after %d attempts", sel, attempt), errors.ErrSelectorResolution)
			}
			return adb.Rect{}, errors.Wrapf(errors.ErrSelectorResolution, "selector %s not found after %d attempts", sel, attempt)
		}

		timer := time.NewTimer(e.cfg.SelectorPollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return adb.Rect{}, ctx.Err()
		}
	}
}

// pointer sends a path as a single tap, a straight swipe or a full gesture.
func (e *Engine) pointer(ctx context.Context, address string, path []models.Point, durationMs int) error {
	var err error
	switch {
	case len(path) == 0:
		return errors.New("empty pointer path")
	case len(path) == 1:
		err = e.transport.Tap(ctx, address, path[0])
	case len(path) == 2:
		err = e.transport.Swipe(ctx, address, path[0], path[1], durationMs)
	default:
		if durationMs == 0 {
			durationMs = defaultTouchMs
		}
		err = e.transport.Gesture(ctx, address, path, durationMs)
	}
	if err != nil {
		return transportErr(err, "pointer input")
	}
	return nil
}

// scrollStroke returns a finger stroke inside area that scrolls content in
// direction: scrolling down drags the finger up.
func scrollStroke(area adb.Rect, direction string) (models.Point, models.Point) {
	c := area.Center()
	w := area.Right - area.Left
	h := area.Bottom - area.Top
	switch direction {
	case "down":
		return models.Point{X: c.X, Y: area.Top + h*3/4}, models.Point{X: c.X, Y: area.Top + h/4}
	case "up":
		return models.Point{X: c.X, Y: area.Top + h/4}, models.Point{X: c.X, Y: area.Top + h*3/4}
	case "right":
		return models.Point{X: area.Left + w*3/4, Y: c.Y}, models.Point{X: area.Left + w/4, Y: c.Y}
	default:
		return models.Point{X: area.Left + w/4, Y: c.Y}, models.Point{X: area.Left + w*3/4, Y: c.Y}
	}
}

func transportErr(err error, op string) error {
	return errors.Mark(errors.Wrap(err, op), errors.ErrTransport)
}
