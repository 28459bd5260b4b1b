package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"mobilecontrol/config"
	"mobilecontrol/errors"
	"mobilecontrol/models"
)

const heartbeatConcurrency = 8

// sessionEntry guards one session. Status changes happen under mu; slot is
// the capacity-1 dispatch semaphore.
type sessionEntry struct {
	mu      sync.Mutex
	session models.DeviceSession
	slot    chan struct{}
	limiter *rate.Limiter
}

func (e *sessionEntry) snapshot() models.DeviceSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *sessionEntry) connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Status == models.SessionConnected
}

// DeviceManager is the registry of device sessions.
type DeviceManager struct {
	transport           Transport
	heartbeat           config.HeartbeatConfig
	maxActionsPerMinute int
	events              *Notifier
	log                 zerolog.Logger

	mu        sync.RWMutex
	sessions  map[string]*sessionEntry
	byAddress map[string]string

	connects singleflight.Group

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDeviceManager(transport Transport, hb config.HeartbeatConfig, maxActionsPerMinute int, events *Notifier, log zerolog.Logger) *DeviceManager {
	if hb.MaxMissed <= 0 {
		hb.MaxMissed = 3
	}
	if hb.Interval <= 0 {
		hb.Interval = 5 * time.Second
	}
	return &DeviceManager{
		transport:           transport,
		heartbeat:           hb,
		maxActionsPerMinute: maxActionsPerMinute,
		events:              events,
		log:                 log,
		sessions:            make(map[string]*sessionEntry),
		byAddress:           make(map[string]string),
	}
}

// Connect performs the handshake with the device at address and returns the
// connected session. Concurrent calls for one address share one handshake.
// Reconnecting a known address reuses its session id.
func (m *DeviceManager) Connect(ctx context.Context, address string) (*models.DeviceSession, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.Mark(errors.New("transport address is empty"), errors.ErrConnection)
	}

	v, err, shared := m.connects.Do(address, func() (interface{}, error) {
		return m.connect(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.Debug().Str("address", address).Msg("joined in-flight handshake")
	}
	session := v.(models.DeviceSession)
	return &session, nil
}

func (m *DeviceManager) connect(ctx context.Context, address string) (models.DeviceSession, error) {
	m.mu.Lock()
	entry, known := m.entryByAddressLocked(address)
	if known && entry.connected() {
		m.mu.Unlock()
		return entry.snapshot(), nil
	}
	if !known {
		entry = m.newEntry(address)
		m.sessions[entry.session.ID] = entry
		m.byAddress[address] = entry.session.ID
	} else {
		entry.mu.Lock()
		entry.session.Status = models.SessionConnecting
		entry.mu.Unlock()
	}
	m.mu.Unlock()

	info, err := m.transport.Connect(ctx, address)
	if err != nil {
		if known {
			m.setStatus(entry, models.SessionDisconnected)
		} else {
			m.mu.Lock()
			delete(m.sessions, entry.session.ID)
			delete(m.byAddress, address)
			m.mu.Unlock()
		}
		m.log.Warn().Err(err).Str("address", address).Msg("device handshake failed")
		return models.DeviceSession{}, errors.Mark(errors.Wrapf(err, "connect %s", address), errors.ErrConnection)
	}

	entry.mu.Lock()
	entry.session.Status = models.SessionConnected
	entry.session.LastSeenAt = time.Now()
	entry.session.MissedHeartbeats = 0
	entry.session.Model = info.Name
	entry.session.AndroidVersion = info.AndroidVersion
	entry.session.Resolution = info.Resolution
	session := entry.session
	entry.mu.Unlock()

	m.log.Info().Str("session", session.ID).Str("address", address).Str("model", session.Model).Msg("device connected")
	m.publish(models.EventSessionConnected, session)
	return session, nil
}

func (m *DeviceManager) newEntry(address string) *sessionEntry {
	e := &sessionEntry{
		session: models.DeviceSession{
			ID:               uuid.New().String(),
			TransportAddress: address,
			Status:           models.SessionConnecting,
		},
		slot: make(chan struct{}, 1),
	}
	if m.maxActionsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(m.maxActionsPerMinute)/60), 1)
	}
	return e
}

func (m *DeviceManager) entryByAddressLocked(address string) (*sessionEntry, bool) {
	id, ok := m.byAddress[address]
	if !ok {
		return nil, false
	}
	e, ok := m.sessions[id]
	return e, ok
}

func (m *DeviceManager) entry(id string) *sessionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Heartbeat probes a session once. A successful probe resets the miss
// counter; MaxMissed consecutive misses mark the session Disconnected.
// Disconnected sessions are not probed again until reconnected.
func (m *DeviceManager) Heartbeat(ctx context.Context, id string) (models.SessionStatus, error) {
	e := m.entry(id)
	if e == nil {
		return "", errors.Wrapf(errors.ErrNotFound, "session %s", id)
	}

	current := e.snapshot()
	if current.Status == models.SessionDisconnected {
		return models.SessionDisconnected, nil
	}

	pingErr := m.transport.Ping(ctx, current.TransportAddress)

	e.mu.Lock()
	if e.session.Status == models.SessionDisconnected {
		e.mu.Unlock()
		return models.SessionDisconnected, nil
	}
	if pingErr == nil {
		e.session.MissedHeartbeats = 0
		e.session.LastSeenAt = time.Now()
		e.session.Status = models.SessionConnected
		e.mu.Unlock()
		return models.SessionConnected, nil
	}

	e.session.MissedHeartbeats++
	missed := e.session.MissedHeartbeats
	dropped := missed >= m.heartbeat.MaxMissed
	if dropped {
		e.session.Status = models.SessionDisconnected
	}
	session := e.session
	e.mu.Unlock()

	m.log.Debug().Err(pingErr).Str("session", id).Int("missed", missed).Msg("heartbeat missed")
	if dropped {
		m.log.Warn().Str("session", id).Str("address", session.TransportAddress).Msg("device lost after missed heartbeats")
		m.publish(models.EventSessionDisconnected, session)
	}
	return session.Status, nil
}

// Disconnect marks the session Disconnected and tears down the bridge
// connection. In-flight commands keep their slot until their transport
// call returns.
func (m *DeviceManager) Disconnect(ctx context.Context, id string) error {
	e := m.entry(id)
	if e == nil {
		return errors.Wrapf(errors.ErrNotFound, "session %s", id)
	}

	e.mu.Lock()
	wasDisconnected := e.session.Status == models.SessionDisconnected
	e.session.Status = models.SessionDisconnected
	session := e.session
	e.mu.Unlock()

	if err := m.transport.Disconnect(ctx, session.TransportAddress); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("bridge disconnect failed")
	}
	if !wasDisconnected {
		m.log.Info().Str("session", id).Msg("device disconnected")
		m.publish(models.EventSessionDisconnected, session)
	}
	return nil
}

// ListSessions returns every known session ordered by transport address.
func (m *DeviceManager) ListSessions() []models.DeviceSession {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sessions := make([]models.DeviceSession, 0, len(entries))
	for _, e := range entries {
		sessions = append(sessions, e.snapshot())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].TransportAddress < sessions[j].TransportAddress
	})
	return sessions
}

// GetSession returns a single session by ID
func (m *DeviceManager) GetSession(id string) (models.DeviceSession, bool) {
	e := m.entry(id)
	if e == nil {
		return models.DeviceSession{}, false
	}
	return e.snapshot(), true
}

// Available fails with ErrDeviceUnavailable unless the session is Connected.
func (m *DeviceManager) Available(id string) error {
	e := m.entry(id)
	if e == nil {
		return errors.Wrapf(errors.ErrDeviceUnavailable, "session %s is unknown", id)
	}
	if !e.connected() {
		return errors.Wrapf(errors.ErrDeviceUnavailable, "session %s is %s", id, e.snapshot().Status)
	}
	return nil
}

// Acquire takes the session's dispatch slot, then waits for the session's
// input rate limiter. The returned release must be called exactly once.
func (m *DeviceManager) Acquire(ctx context.Context, id string) (release func(), err error) {
	if err := m.Available(id); err != nil {
		return nil, err
	}
	e := m.entry(id)

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	release = func() { once.Do(func() { <-e.slot }) }

	if err := m.Available(id); err != nil {
		release()
		return nil, err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// ScanDevices connects every device currently reported by adb.
func (m *DeviceManager) ScanDevices(ctx context.Context) ([]models.DeviceSession, error) {
	devices, err := m.transport.ListDevices(ctx)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "scan devices"), errors.ErrConnection)
	}

	sessions := make([]models.DeviceSession, 0, len(devices))
	for _, d := range devices {
		s, err := m.Connect(ctx, d.ADBDeviceID)
		if err != nil {
			m.log.Warn().Err(err).Str("device", d.ADBDeviceID).Msg("scan: connect failed")
			continue
		}
		sessions = append(sessions, *s)
	}
	m.log.Info().Int("found", len(devices)).Int("connected", len(sessions)).Msg("device scan finished")
	return sessions, nil
}

// StartHeartbeats probes every live session each heartbeat interval until
// Stop is called.
func (m *DeviceManager) StartHeartbeats() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.heartbeat.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
	m.log.Info().Dur("interval", m.heartbeat.Interval).Msg("heartbeat loop started")
}

func (m *DeviceManager) sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(heartbeatConcurrency)

	for _, s := range m.ListSessions() {
		if s.Status == models.SessionDisconnected {
			continue
		}
		id := s.ID
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.heartbeat.Interval)
			defer cancel()
			if _, err := m.Heartbeat(pctx, id); err != nil {
				m.log.Debug().Err(err).Str("session", id).Msg("heartbeat skipped")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stop ends the heartbeat loop and waits for it to exit.
func (m *DeviceManager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
	m.wg.Wait()
}

func (m *DeviceManager) publish(t models.EventType, s models.DeviceSession) {
	ev := models.NewEvent(t)
	ev.SessionID = s.ID
	ev.Data = s
	m.events.Publish(ev)
}

func (m *DeviceManager) setStatus(e *sessionEntry, status models.SessionStatus) {
	e.mu.Lock()
	e.session.Status = status
	e.mu.Unlock()
}
