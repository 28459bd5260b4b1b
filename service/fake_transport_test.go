package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mobilecontrol/adb"
	"mobilecontrol/config"
	"mobilecontrol/errors"
	"mobilecontrol/models"
)

type fakeCall struct {
	Op      string
	Address string
	Path    []models.Point
	Text    string
	Key     int
}

// fakeTransport records every call and lets tests inject failures and
// latency.
type fakeTransport struct {
	mu sync.Mutex

	devices      []models.Device
	connectErr   error
	connectGate  chan struct{}
	connectCalls int
	pingErr      error
	pingCalls    int

	ui      *adb.UINode
	dumpErr error

	inputErr   error
	inputDelay time.Duration
	inputGate  chan struct{}

	calls     []fakeCall
	active    map[string]int
	maxActive map[string]int
	inFlight  int
	maxFlight int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ui:        sampleUI(),
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func sampleUI() *adb.UINode {
	return &adb.UINode{
		Class:  "android.widget.FrameLayout",
		Bounds: "[0,0][1080,2400]",
		Nodes: []adb.UINode{
			{ResourceID: "com.instagram.android:id/row_feed_button_like", ContentDesc: "Like", Bounds: "[30,1800][130,1900]"},
			{ResourceID: "com.instagram.android:id/row_feed_button_comment", ContentDesc: "Comment", Bounds: "[160,1800][260,1900]"},
			{Text: "Follow", Class: "android.widget.Button", Bounds: "[700,300][1000,380]"},
			{ContentDesc: "Message", Bounds: "[700,400][1000,480]"},
			{ResourceID: "com.instagram.android:id/latest_post", Bounds: "[0,500][1080,1500]"},
			{Class: "androidx.recyclerview.widget.RecyclerView", Bounds: "[0,200][1080,2200]"},
		},
	}
}

func (f *fakeTransport) record(c fakeCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTransport) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func (f *fakeTransport) callsOf(op string) []fakeCall {
	var out []fakeCall
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) MaxActive(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[address]
}

// MaxInFlight is the most input calls seen at once across all addresses.
func (f *fakeTransport) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight
}

func (f *fakeTransport) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) ListDevices(ctx context.Context) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Device(nil), f.devices...), nil
}

func (f *fakeTransport) Connect(ctx context.Context, address string) (models.Device, error) {
	f.mu.Lock()
	f.connectCalls++
	gate := f.connectGate
	err := f.connectErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Device{}, ctx.Err()
		}
	}
	if err != nil {
		return models.Device{}, err
	}
	return models.Device{ADBDeviceID: address, Name: "Pixel 7", AndroidVersion: "14", Resolution: "1080x2400", Status: "online"}, nil
}

func (f *fakeTransport) Ping(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCalls++
	return f.pingErr
}

func (f *fakeTransport) Disconnect(ctx context.Context, address string) error {
	f.record(fakeCall{Op: "disconnect", Address: address})
	return nil
}

// input simulates one input call: it tracks per-address concurrency, honors
// the injected delay or gate, and returns the injected error.
func (f *fakeTransport) input(ctx context.Context, c fakeCall) error {
	f.mu.Lock()
	f.active[c.Address]++
	if f.active[c.Address] > f.maxActive[c.Address] {
		f.maxActive[c.Address] = f.active[c.Address]
	}
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	delay, gate, err := f.inputDelay, f.inputGate, f.inputErr
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[c.Address]--
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	f.record(c)
	return nil
}

func (f *fakeTransport) Tap(ctx context.Context, address string, p models.Point) error {
	return f.input(ctx, fakeCall{Op: "tap", Address: address, Path: []models.Point{p}})
}

func (f *fakeTransport) Swipe(ctx context.Context, address string, from, to models.Point, durationMs int) error {
	return f.input(ctx, fakeCall{Op: "swipe", Address: address, Path: []models.Point{from, to}})
}

func (f *fakeTransport) Gesture(ctx context.Context, address string, path []models.Point, durationMs int) error {
	return f.input(ctx, fakeCall{Op: "gesture", Address: address, Path: append([]models.Point(nil), path...)})
}

func (f *fakeTransport) Text(ctx context.Context, address, text string) error {
	return f.input(ctx, fakeCall{Op: "text", Address: address, Text: text})
}

func (f *fakeTransport) Key(ctx context.Context, address string, keycode int) error {
	return f.input(ctx, fakeCall{Op: "key", Address: address, Key: keycode})
}

func (f *fakeTransport) Launch(ctx context.Context, address, packageName, activity string) error {
	return f.input(ctx, fakeCall{Op: "launch", Address: address, Text: packageName + "/" + activity})
}

func (f *fakeTransport) DumpUI(ctx context.Context, address string) (*adb.UINode, error) {
	f.mu.Lock()
	ui, err := f.ui, f.dumpErr
	f.mu.Unlock()
	f.record(fakeCall{Op: "dump", Address: address})
	if err != nil {
		return nil, err
	}
	return ui, nil
}

// recordingHub captures broadcast events.
type recordingHub struct {
	mu     sync.Mutex
	events []models.Event
}

func (h *recordingHub) BroadcastToDevice(sessionID string, message interface{}) {
	h.add(message)
}

func (h *recordingHub) BroadcastToAll(message interface{}) {
	h.add(message)
}

func (h *recordingHub) add(message interface{}) {
	if ev, ok := message.(models.Event); ok {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
}

func (h *recordingHub) Types() []models.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.EventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

var errFakeTransport = errors.New("device went away")

func testProfiles() []models.AppProfile {
	return []models.AppProfile{
		{
			AppID:             "instagram",
			PackageIdentifier: "com.instagram.android",
			EntryActivity:     ".activity.MainTabActivity",
			AutomationEnabled: true,
			Selectors: map[string]string{
				"like":         "id:row_feed_button_like",
				"comment":      "id:row_feed_button_comment",
				"follow":       "text:Follow",
				"send_message": "desc:Message",
				"scroll":       "class:androidx.recyclerview.widget.RecyclerView",
				"type_text":    "class:android.widget.EditText",
			},
		},
		{
			AppID:             "threads",
			PackageIdentifier: "com.instagram.barcelona",
			AutomationEnabled: true,
			Selectors:         map[string]string{"like": "id:like_button"},
		},
		{
			AppID:             "tiktok",
			PackageIdentifier: "com.zhiliaoapp.musically",
			AutomationEnabled: false,
			Selectors:         map[string]string{"like": "id:like"},
		},
	}
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		CommandTimeout:       2 * time.Second,
		ScreenWidth:          1080,
		ScreenHeight:         2400,
		SelectorWait:         200 * time.Millisecond,
		SelectorPollInterval: 20 * time.Millisecond,
	}
}

type harness struct {
	transport *fakeTransport
	hub       *recordingHub
	devices   *DeviceManager
	catalog   *Catalog
	ledger    *Ledger
	modes     *ModeSwitch
	engine    *Engine
}

func newHarness(t *testing.T, cfg config.EngineConfig) *harness {
	t.Helper()
	log := zerolog.Nop()
	ft := newFakeTransport()
	hub := &recordingHub{}
	events := NewNotifier(hub)

	catalog := NewCatalog(log)
	require.NoError(t, catalog.Refresh(testProfiles()))

	devices := NewDeviceManager(ft, config.HeartbeatConfig{Interval: time.Second, MaxMissed: 3}, cfg.MaxActionsPerMinute, events, log)
	ledger := NewLedger(nil, log)
	modes := &ModeSwitch{}
	emulator := NewEmulator(config.BehaviorConfig{DelayVariance: 0.4, JitterRadiusPx: 6, SwipePoints: 12, Seed: 7}, cfg.ScreenWidth, cfg.ScreenHeight)
	engine := NewEngine(cfg, devices, catalog, emulator, ledger, modes, ft, events, log)
	t.Cleanup(engine.Close)

	return &harness{transport: ft, hub: hub, devices: devices, catalog: catalog, ledger: ledger, modes: modes, engine: engine}
}

func (h *harness) connect(t *testing.T, address string) models.DeviceSession {
	t.Helper()
	s, err := h.devices.Connect(context.Background(), address)
	require.NoError(t, err)
	return *s
}

func intp(v int) *int { return &v }
