package photo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SessionState is the lifecycle state of the device connection.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitializing
	StateReady
	StateDegraded
	StateUnavailable
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Preparer readies the host before a connection attempt, e.g. by stopping
// vendor utilities that grab the camera.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// PreparerFunc adapts a function to Preparer.
type PreparerFunc func(ctx context.Context) error

func (f PreparerFunc) Prepare(ctx context.Context) error { return f(ctx) }

// SessionSource hands out the serialized device and the current handle.
type SessionSource interface {
	Device() Device
	Handle() (SessionHandle, error)
}

// SessionManager owns the device connection lifecycle.
type SessionManager struct {
	device   *lockedDevice
	timings  Timings
	preparer Preparer
	sleep    func(ctx context.Context, d time.Duration) error

	// lifecycle serializes Initialize, Reconnect and Close.
	lifecycle sync.Mutex

	mu            sync.RWMutex
	state         SessionState
	handle        SessionHandle
	retryCount    int
	failures      int
	unregister    func()
	onItemCreated func(ItemRef)
}

// NewSessionManager wraps dev so that every capability call is serialized.
func NewSessionManager(dev Device, timings Timings, preparer Preparer) *SessionManager {
	return &SessionManager{
		device:   newLockedDevice(dev),
		timings:  timings.normalized(),
		preparer: preparer,
		sleep:    sleepContext,
		state:    StateUninitialized,
	}
}

// SetItemCreatedHandler installs the notification subscriber registered on
// every successful acquisition. fn runs inside PollEvents and must not block.
func (m *SessionManager) SetItemCreatedHandler(fn func(ItemRef)) {
	m.mu.Lock()
	m.onItemCreated = fn
	m.mu.Unlock()
}

// Device returns the serialized capability surface.
func (m *SessionManager) Device() Device {
	return m.device
}

// Handle returns the current session handle while the session is usable
// (Ready or Degraded).
func (m *SessionManager) Handle() (SessionHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady && m.state != StateDegraded {
		return "", ErrNoSession
	}
	return m.handle, nil
}

// State reports the current lifecycle state.
func (m *SessionManager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RetryCount reports how many failed attempts preceded the current state.
func (m *SessionManager) RetryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retryCount
}

// Initialize acquires the device, retrying with bounded backoff. It returns
// nil once Ready, or an ErrInitialization-kind error once Unavailable.
func (m *SessionManager) Initialize(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.initialize(ctx)
}

func (m *SessionManager) initialize(ctx context.Context) error {
	m.setState(StateInitializing)
	m.mu.Lock()
	m.retryCount = 0
	m.mu.Unlock()

	var lastErr error
	attempts := m.timings.MaxInitAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		log.Info().Str("component", "session").
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Msg("connecting to camera")

		if m.preparer != nil {
			if err := m.preparer.Prepare(ctx); err != nil {
				log.Warn().Err(err).Str("component", "session").Msg("interference cleanup failed, continuing")
			}
		}

		err := m.acquire(ctx)
		if err == nil {
			m.mu.Lock()
			m.state = StateReady
			m.failures = 0
			m.mu.Unlock()
			log.Info().Str("component", "session").
				Int("attempt", attempt+1).
				Msg("camera session ready")
			return nil
		}
		lastErr = err
		m.mu.Lock()
		m.retryCount = attempt + 1
		m.mu.Unlock()
		log.Warn().Err(err).Str("component", "session").
			Int("attempt", attempt+1).
			Msg("camera connection attempt failed")

		if attempt == attempts-1 {
			break
		}
		delay := m.timings.RetryDelay(attempt)
		log.Info().Str("component", "session").Dur("delay", delay).Msg("retrying camera connection")
		if err := m.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	m.setState(StateUnavailable)
	log.Error().Err(lastErr).Str("component", "session").
		Int("attempts", m.RetryCount()).
		Msg("camera unavailable")
	return opError(KindInitialization, "initialize session",
		errors.Wrapf(lastErr, "camera not reachable after %d attempts", m.RetryCount()))
}

// acquire runs one connection attempt: open, settle, storage destination,
// notification registration. Any hard failure closes the half-open session.
func (m *SessionManager) acquire(ctx context.Context) error {
	handle, err := m.device.OpenSession(ctx)
	if err != nil {
		return errors.Wrap(err, "open session")
	}
	abort := func(cause error) error {
		closeCtx := context.WithoutCancel(ctx)
		if cerr := m.device.CloseSession(closeCtx, handle); cerr != nil {
			log.Debug().Err(cerr).Str("component", "session").Msg("close after failed attempt")
		}
		return cause
	}

	if err := m.sleep(ctx, m.timings.SessionSettle); err != nil {
		return abort(errors.Wrap(err, "session settle"))
	}

	if err := m.device.SetProperty(ctx, handle, PropertySaveTo, SaveToCard); err != nil {
		log.Warn().Err(opError(KindDeviceCommand, "set save-to", err)).
			Str("component", "session").
			Msg("could not direct captures to card, continuing")
	}

	m.mu.RLock()
	fn := m.onItemCreated
	m.mu.RUnlock()
	var unregister func()
	if fn != nil {
		unregister, err = m.device.OnItemCreated(fn)
		if err != nil {
			return abort(errors.Wrap(err, "register item-created handler"))
		}
	}

	m.mu.Lock()
	m.handle = handle
	m.unregister = unregister
	m.mu.Unlock()
	return nil
}

// MarkDegraded records a failed health probe. It reports whether the
// consecutive failure count reached the reconnect threshold.
func (m *SessionManager) MarkDegraded(cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady && m.state != StateDegraded {
		return false
	}
	m.failures++
	if m.state == StateReady {
		log.Warn().Err(cause).Str("component", "session").Msg("camera session degraded")
	}
	m.state = StateDegraded
	return m.failures >= m.timings.KeepAliveFailureLimit
}

// MarkHealthy records a successful health probe.
func (m *SessionManager) MarkHealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	if m.state == StateDegraded {
		m.state = StateReady
		log.Info().Str("component", "session").Msg("camera session recovered")
	}
}

// Reconnect closes the current session and runs the full retry loop again.
func (m *SessionManager) Reconnect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	log.Warn().Str("component", "session").Msg("reconnecting camera session")
	_ = m.closeSession(ctx)
	return m.initialize(ctx)
}

// Close unregisters the notification subscriber and closes the session.
func (m *SessionManager) Close(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	err := m.closeSession(ctx)
	m.setState(StateUninitialized)
	return err
}

func (m *SessionManager) closeSession(ctx context.Context) error {
	m.mu.Lock()
	handle := m.handle
	unregister := m.unregister
	m.handle = ""
	m.unregister = nil
	m.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if handle == "" {
		return nil
	}
	if err := m.device.CloseSession(ctx, handle); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("close camera session failed")
		return errors.Wrap(err, "close session")
	}
	log.Info().Str("component", "session").Msg("camera session closed")
	return nil
}

// RunEventPump polls the device for notifications while the session is
// usable. Poll failures are logged and followed by one backoff; the pump
// only returns when ctx is done.
func (m *SessionManager) RunEventPump(ctx context.Context) error {
	ticker := time.NewTicker(m.timings.EventPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := m.Handle(); err != nil {
			continue
		}
		if err := m.device.PollEvents(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Debug().Err(err).Str("component", "session").Msg("event poll failed")
			if err := m.sleep(ctx, m.timings.EventPollBackoff); err != nil {
				return nil
			}
		}
	}
}

func (m *SessionManager) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
