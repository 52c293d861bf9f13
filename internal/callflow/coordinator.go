package callflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NavigationReason explains why the session is being left.
type NavigationReason string

const (
	ReasonCompleted NavigationReason = "completed"
	ReasonStopped   NavigationReason = "stopped"
	ReasonPostponed NavigationReason = "postponed"
	ReasonForfeited NavigationReason = "forfeited"
	ReasonAbandoned NavigationReason = "abandoned"
)

// DestinationMain is the app's main screen.
const DestinationMain = "main"

// NavigationCommand asks the routing service to leave the call screen.
type NavigationCommand struct {
	Destination string           `json:"destination"`
	Reason      NavigationReason `json:"reason"`
}

// Navigator is the routing service. It is invoked at most once per session, while the
// coordinator still holds its lock, so it must not call back into the coordinator.
type Navigator interface {
	Navigate(ctx context.Context, snap Snapshot, cmd NavigationCommand)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, snap Snapshot, cmd NavigationCommand)

func (f NavigatorFunc) Navigate(ctx context.Context, snap Snapshot, cmd NavigationCommand) {
	f(ctx, snap, cmd)
}

// Observer is told about every applied event that leaves the session open. It runs under
// the coordinator lock in event order and must not call back into the coordinator.
type Observer interface {
	Observe(ctx context.Context, snap Snapshot, res Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, snap Snapshot, res Result)

func (f ObserverFunc) Observe(ctx context.Context, snap Snapshot, res Result) {
	f(ctx, snap, res)
}

// Profile is the peer shown on the call screen. The coordinator only carries it.
type Profile struct {
	Nickname string `json:"nickname"`
	ImageURL string `json:"image_url,omitempty"`
}

// Result is what a handled event produced.
type Result struct {
	State      State              `json:"state"`
	UI         UIConfiguration    `json:"ui"`
	Navigation *NavigationCommand `json:"navigation,omitempty"`
	Decision   Decision           `json:"decision"`
	Attempt    uint64             `json:"attempt"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID        string    `json:"session_id"`
	Role      Role      `json:"role"`
	State     State     `json:"state"`
	Attempt   uint64    `json:"attempt"`
	Version   uint64    `json:"version"`
	Failures  int       `json:"failures"`
	Remaining int       `json:"retries_remaining"`
	Profile   Profile   `json:"profile"`
	StartedAt time.Time `json:"started_at"`
	Closed    bool      `json:"closed"`
}

// Config holds everything a coordinator needs. Role is required.
type Config struct {
	ID        string
	Role      Role
	Profile   Profile
	Policy    *RetryPolicy
	Navigator Navigator
	Observer  Observer
	Logger    *slog.Logger
	StartedAt time.Time
}

// Coordinator owns one call session and applies events to it one at a time.
type Coordinator struct {
	mu sync.Mutex

	id        string
	role      Role
	profile   Profile
	policy    *RetryPolicy
	navigator Navigator
	observer  Observer
	logger    *slog.Logger
	startedAt time.Time

	state   State
	attempt uint64
	// version counts applied events, so readers can order snapshots.
	version uint64
	closed  bool
}

// NewCoordinator creates a session in StateReady.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, cfg.Role)
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRetryPolicy(DefaultRetryLimit, DefaultRetryWindow)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		id:        cfg.ID,
		role:      cfg.Role,
		profile:   cfg.Profile,
		policy:    cfg.Policy,
		navigator: cfg.Navigator,
		observer:  cfg.Observer,
		logger:    cfg.Logger.With("session_id", cfg.ID, "role", cfg.Role),
		startedAt: cfg.StartedAt,
		state:     StateReady,
	}, nil
}

// HandleAction applies one event. On error the session is unchanged.
func (c *Coordinator) HandleAction(ctx context.Context, ev Event) (Result, error) {
	_, res, err := c.Apply(ctx, ev)
	return res, err
}

// Apply is HandleAction that also returns the session snapshot taken right after the
// event, under the same lock.
func (c *Coordinator) Apply(ctx context.Context, ev Event) (Snapshot, Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ev.Kind.Known() {
		return Snapshot{}, Result{}, c.rejectLocked(ErrUnsupportedEvent, ev)
	}
	if c.closed {
		return Snapshot{}, Result{}, c.rejectLocked(ErrSessionClosed, ev)
	}

	var (
		res Result
		err error
	)
	if ev.Kind.External() {
		res, err = c.applySignalLocked(ev)
	} else {
		res, err = c.applyActionLocked(ev)
	}
	if err != nil {
		return Snapshot{}, Result{}, err
	}
	c.version++

	if res.Navigation != nil {
		c.closeLocked(ctx, *res.Navigation)
	} else if c.observer != nil {
		c.observer.Observe(ctx, c.snapshotLocked(), res)
	}

	c.logger.Debug("call event applied", "event", ev.Kind, "state", res.State, "decision", res.Decision, "attempt", res.Attempt)
	return c.snapshotLocked(), res, nil
}

func (c *Coordinator) applySignalLocked(ev Event) (Result, error) {
	if ev.Attempt != 0 && ev.Attempt != c.attempt {
		return Result{}, c.rejectLocked(ErrStaleSignal, ev)
	}

	switch {
	case c.state == StateConnecting && ev.Kind == EventExternalConnected:
		c.policy.RecordSuccess()
		return c.moveLocked(ev, StateInCall, DecisionNone, nil)

	case c.state == StateConnecting && ev.Kind == EventExternalFailed:
		decision := c.policy.RecordFailure(ev.At)
		next := StateFailed
		if decision == DecisionExhausted {
			next = StateFailedFinal
		}
		return c.moveLocked(ev, next, decision, nil)

	case c.state == StateInCall && ev.Kind == EventExternalEnded:
		return c.moveLocked(ev, StateReady, DecisionNone, navigateMain(ReasonCompleted))
	}

	return Result{}, c.rejectLocked(ErrInvalidTransition, ev)
}

func (c *Coordinator) applyActionLocked(ev Event) (Result, error) {
	if c.state.IsTerminal() && ev.Kind != EventAcknowledge {
		return Result{}, c.rejectLocked(ErrInvalidTransition, ev)
	}

	action, _ := ev.Kind.Action()
	if !Behavior(c.role, c.state).Allows(action) {
		return Result{}, c.rejectLocked(ErrInvalidActionForState, ev)
	}

	switch ev.Kind {
	case EventDial, EventAccept:
		c.attempt++
		return c.moveLocked(ev, StateConnecting, DecisionNone, nil)
	case EventRetryRequested:
		if !c.policy.CanRetry() {
			return Result{}, c.rejectLocked(ErrInvalidTransition, ev)
		}
		c.attempt++
		return c.moveLocked(ev, StateConnecting, DecisionNone, nil)
	case EventRefuse:
		return c.moveLocked(ev, StateFailed, DecisionNone, nil)
	case EventStop:
		return c.stayLocked(navigateMain(ReasonStopped)), nil
	case EventDelayRequested:
		return c.stayLocked(navigateMain(ReasonPostponed)), nil
	case EventAcknowledge:
		return c.stayLocked(navigateMain(ReasonForfeited)), nil
	}

	return Result{}, c.rejectLocked(ErrUnsupportedEvent, ev)
}

func (c *Coordinator) moveLocked(ev Event, next State, decision Decision, nav *NavigationCommand) (Result, error) {
	if !c.state.CanTransitionTo(next) {
		return Result{}, c.rejectLocked(ErrInvalidTransition, ev)
	}
	c.state = next
	res := c.stayLocked(nav)
	res.Decision = decision
	return res, nil
}

func (c *Coordinator) stayLocked(nav *NavigationCommand) Result {
	return Result{
		State:      c.state,
		UI:         Behavior(c.role, c.state),
		Navigation: nav,
		Attempt:    c.attempt,
	}
}

func (c *Coordinator) closeLocked(ctx context.Context, cmd NavigationCommand) {
	c.closed = true
	if c.navigator != nil {
		c.navigator.Navigate(ctx, c.snapshotLocked(), cmd)
	}
	c.logger.Info("call session closed", "state", c.state, "reason", cmd.Reason)
}

func (c *Coordinator) rejectLocked(sentinel error, ev Event) error {
	err := &TransitionError{Err: sentinel, State: c.state, Role: c.role, Event: ev.Kind}
	if Discarded(sentinel) {
		c.logger.Debug("call event discarded", "event", ev.Kind, "attempt", ev.Attempt, "error", sentinel)
	} else {
		c.logger.Warn("call event rejected", "event", ev.Kind, "state", c.state, "error", sentinel)
	}
	return err
}

// Close tears the session down because the user left the call screen. It emits the
// abandon navigation unless the session already navigated away, and reports whether
// this call closed it.
func (c *Coordinator) Close(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.version++
	c.closeLocked(ctx, NavigationCommand{Destination: DestinationMain, Reason: ReasonAbandoned})
	return true
}

// Snapshot returns the current session view.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Current returns the state and UI without applying anything.
func (c *Coordinator) Current() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stayLocked(nil)
}

// View returns the snapshot and the current result as one consistent pair.
func (c *Coordinator) View() (Snapshot, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), c.stayLocked(nil)
}

// Inspect calls fn with the current view while holding the lock, so whatever fn
// publishes is ordered with the observer's output. fn must not call back into the
// coordinator.
func (c *Coordinator) Inspect(fn func(Snapshot, Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.snapshotLocked(), c.stayLocked(nil))
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        c.id,
		Role:      c.role,
		State:     c.state,
		Attempt:   c.attempt,
		Version:   c.version,
		Failures:  c.policy.Failures(),
		Remaining: c.policy.Remaining(),
		Profile:   c.profile,
		StartedAt: c.startedAt,
		Closed:    c.closed,
	}
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) Role() Role { return c.role }

func navigateMain(reason NavigationReason) *NavigationCommand {
	return &NavigationCommand{Destination: DestinationMain, Reason: reason}
}
