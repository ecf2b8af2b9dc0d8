// ABOUTME: Session lifecycle states shared by every connector family
// ABOUTME: Machine guards the current state and publishes each change to the owning tenant

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle state of one tenant's connector session.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateRestoring     State = "restoring"
	StateChallenge     State = "challenge"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateError         State = "error"
)

// Event names published to a tenant's real-time channel.
const (
	EventState        = "state"
	EventQR           = "qr"
	EventMessage      = "message"
	EventDisconnected = "disconnected"
	EventSyncProgress = "sync_progress"
	EventBotIdentity  = "bot_identity"
	EventError        = "error"
)

var (
	// ErrNotReady is returned when an operation requires the ready state.
	ErrNotReady = errors.New("session not ready")

	// ErrCredentialInvalid is returned when the platform rejects a credential.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrResourceConflict reports a stale lock left by a previous process.
	ErrResourceConflict = errors.New("resource conflict")

	// ErrChallengeTimeout reports a challenge that was never answered.
	ErrChallengeTimeout = errors.New("challenge timed out")

	// ErrTransient marks a polling or fetch hiccup that is absorbed and retried.
	ErrTransient = errors.New("transient network error")

	// ErrInvalidTransition is returned by Machine.Transition for a disallowed move.
	ErrInvalidTransition = errors.New("invalid state transition")
)

var transitions = map[State][]State{
	StateIdle:          {StateConnecting, StateRestoring, StateIdle},
	StateConnecting:    {StateChallenge, StateAuthenticated, StateReady, StateError, StateIdle},
	StateRestoring:     {StateChallenge, StateAuthenticated, StateReady, StateError, StateIdle},
	StateChallenge:     {StateChallenge, StateAuthenticated, StateError, StateIdle},
	StateAuthenticated: {StateReady, StateError, StateIdle},
	StateReady:         {StateConnecting, StateError, StateIdle},
	StateError:         {StateConnecting, StateRestoring, StateError, StateIdle},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sink receives events for a tenant. The real-time hub implements it.
type Sink interface {
	Publish(tenantID, event string, payload any)
}

// StateEvent is the payload of every "state" event.
type StateEvent struct {
	Platform string `json:"platform"`
	State    State  `json:"state"`
	Reason   string `json:"reason,omitempty"`
}

// Machine holds one session's state. It is safe for concurrent use and is
// meant to be embedded in connectors.
type Machine struct {
	mu       sync.Mutex
	tenantID string
	platform string
	state    State
	reason   string
	sink     Sink
	logger   *slog.Logger
}

// NewMachine creates a machine in the idle state.
func NewMachine(tenantID, platform string, sink Sink, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		tenantID: tenantID,
		platform: platform,
		state:    StateIdle,
		sink:     sink,
		logger:   logger,
	}
}

// TenantID returns the owning tenant.
func (m *Machine) TenantID() string { return m.tenantID }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReady reports whether sends are permitted.
func (m *Machine) IsReady() bool {
	return m.State() == StateReady
}

// RequireReady returns ErrNotReady unless the session is ready.
func (m *Machine) RequireReady() error {
	if s := m.State(); s != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, m.platform, s)
	}
	return nil
}

// Transition moves to a new state and publishes it to the tenant.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.reason = reason

	m.logger.Info("session state changed",
		"tenant_id", m.tenantID,
		"platform", m.platform,
		"from", from,
		"to", to,
		"reason", reason,
	)
	m.publishStateLocked()
	return nil
}

// Announce re-publishes the current state without changing it.
func (m *Machine) Announce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishStateLocked()
}

// Publish sends an arbitrary event to the owning tenant.
func (m *Machine) Publish(event string, payload any) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(m.tenantID, event, payload)
}

func (m *Machine) publishStateLocked() {
	if m.sink == nil {
		return
	}
	m.sink.Publish(m.tenantID, EventState, StateEvent{
		Platform: m.platform,
		State:    m.state,
		Reason:   m.reason,
	})
}
