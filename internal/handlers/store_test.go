package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/goodlistener/callserver/internal/callflow"
)

type staticRoles map[string]callflow.Role

func (r staticRoles) RoleFor(ctx context.Context, userID string) (callflow.Role, error) {
	role, ok := r[userID]
	if !ok {
		return "", errors.New("no such user")
	}
	return role, nil
}

type navLog struct {
	mu      sync.Mutex
	reasons map[string][]callflow.NavigationReason
}

func (l *navLog) navigator(store *SessionStore) callflow.Navigator {
	return callflow.NavigatorFunc(func(ctx context.Context, snap callflow.Snapshot, cmd callflow.NavigationCommand) {
		store.Release(snap.ID)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.reasons == nil {
			l.reasons = make(map[string][]callflow.NavigationReason)
		}
		l.reasons[snap.ID] = append(l.reasons[snap.ID], cmd.Reason)
	})
}

func (l *navLog) get(id string) []callflow.NavigationReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reasons[id]
}

func newTestStore(t *testing.T, ttl time.Duration) *SessionStore {
	store := NewSessionStore(ttl, 3, 3*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(store.Stop)
	return store
}

var testRoles = staticRoles{
	"alice": callflow.RoleSpeaker,
	"bob":   callflow.RoleListener,
}

func TestCreateSessionGeneratesUniqueIDs(t *testing.T) {
	store := newTestStore(t, time.Minute)
	base := time.Unix(1_700_000_000, 0)

	first, err := store.Create(context.Background(), testRoles, SessionParams{UserID: "alice"}, base)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := store.Create(context.Background(), testRoles, SessionParams{UserID: "bob"}, base.Add(time.Second))
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if first.ID() == second.ID() {
		t.Fatalf("expected unique session IDs, got duplicate %s", first.ID())
	}
	if first.Role() != callflow.RoleSpeaker || second.Role() != callflow.RoleListener {
		t.Fatalf("roles not read from source: %s, %s", first.Role(), second.Role())
	}

	snaps := store.List()
	if len(snaps) != 2 || snaps[0].ID != first.ID() || snaps[1].ID != second.ID() {
		t.Fatalf("unexpected listing %+v", snaps)
	}
}

func TestCreateSessionUnknownUser(t *testing.T) {
	store := newTestStore(t, time.Minute)
	if _, err := store.Create(context.Background(), testRoles, SessionParams{UserID: "carol"}, time.Now()); err == nil {
		t.Fatalf("expected role lookup error")
	}
	if len(store.List()) != 0 {
		t.Fatalf("failed create must not register a session")
	}
}

func TestSecondSessionAbandonsFirst(t *testing.T) {
	store := newTestStore(t, time.Minute)
	log := &navLog{}
	base := time.Unix(1_700_100_000, 0)

	first, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "alice", Navigator: log.navigator(store)}, base)
	second, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "alice", Navigator: log.navigator(store)}, base.Add(time.Second))

	if got := log.get(first.ID()); len(got) != 1 || got[0] != callflow.ReasonAbandoned {
		t.Fatalf("first session navigation %v", got)
	}
	if !first.Snapshot().Closed || second.Snapshot().Closed {
		t.Fatalf("only the first session should be closed")
	}
	if id, ok := store.ActiveForUser("alice"); !ok || id != second.ID() {
		t.Fatalf("active session %q, want %q", id, second.ID())
	}
	if _, err := store.Get(first.ID(), base.Add(2*time.Second)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for replaced session, got %v", err)
	}
}

func TestGetForUserHidesForeignSessions(t *testing.T) {
	store := newTestStore(t, time.Minute)
	base := time.Unix(1_700_200_000, 0)

	coord, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "alice", MatchID: "m1"}, base)

	entry, err := store.GetForUser(coord.ID(), "alice", base)
	if err != nil || entry.MatchID() != "m1" || entry.UserID() != "alice" || entry.Coordinator() != coord {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := store.GetForUser(coord.ID(), "bob", base); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for other user, got %v", err)
	}
}

func TestExpiryClosesSession(t *testing.T) {
	store := newTestStore(t, time.Minute)
	log := &navLog{}
	base := time.Unix(1_700_300_000, 0)

	coord, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "bob", Navigator: log.navigator(store)}, base)

	// Each lookup extends the lifetime.
	if _, err := store.Get(coord.ID(), base.Add(50*time.Second)); err != nil {
		t.Fatalf("session should be alive: %v", err)
	}
	if _, err := store.Get(coord.ID(), base.Add(100*time.Second)); err != nil {
		t.Fatalf("session should have been extended: %v", err)
	}
	if _, err := store.Get(coord.ID(), base.Add(200*time.Second)); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if got := log.get(coord.ID()); len(got) != 1 || got[0] != callflow.ReasonAbandoned {
		t.Fatalf("expired session navigation %v", got)
	}
	if _, ok := store.ActiveForUser("bob"); ok {
		t.Fatalf("expired session still active for user")
	}
}

func TestCleanupExpired(t *testing.T) {
	store := newTestStore(t, time.Minute)
	log := &navLog{}
	base := time.Unix(1_700_400_000, 0)

	old, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "alice", Navigator: log.navigator(store)}, base)
	fresh, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "bob", Navigator: log.navigator(store)}, base.Add(50*time.Second))

	if n := store.cleanupExpired(base.Add(90 * time.Second)); n != 1 {
		t.Fatalf("expected one expired session, got %d", n)
	}
	if len(log.get(old.ID())) != 1 || len(log.get(fresh.ID())) != 0 {
		t.Fatalf("wrong session expired")
	}
	if snaps := store.List(); len(snaps) != 1 || snaps[0].ID != fresh.ID() {
		t.Fatalf("remaining sessions %+v", snaps)
	}
}

func TestCloseAll(t *testing.T) {
	store := newTestStore(t, time.Minute)
	log := &navLog{}
	base := time.Unix(1_700_500_000, 0)

	a, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "alice", Navigator: log.navigator(store)}, base)
	b, _ := store.Create(context.Background(), testRoles, SessionParams{UserID: "bob", Navigator: log.navigator(store)}, base)

	store.CloseAll(context.Background())

	if len(store.List()) != 0 {
		t.Fatalf("sessions left after CloseAll")
	}
	for _, c := range []*callflow.Coordinator{a, b} {
		if got := log.get(c.ID()); len(got) != 1 || got[0] != callflow.ReasonAbandoned {
			t.Fatalf("session %s navigation %v", c.ID(), got)
		}
	}
}

func TestRetryBudgetAppliesToNewSessions(t *testing.T) {
	store := newTestStore(t, time.Minute)
	base := time.Unix(1_700_300_000, 0)

	before, err := store.Create(context.Background(), testRoles, SessionParams{UserID: "bob"}, base)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	store.SetRetryBudget(5, time.Minute)
	if limit, window := store.RetryBudget(); limit != 5 || window != time.Minute {
		t.Fatalf("budget %d/%s", limit, window)
	}

	after, err := store.Create(context.Background(), testRoles, SessionParams{UserID: "alice"}, base.Add(time.Second))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if got := before.Snapshot().Remaining; got != 3 {
		t.Fatalf("open session changed budget: remaining %d", got)
	}
	if got := after.Snapshot().Remaining; got != 5 {
		t.Fatalf("new session remaining %d, want 5", got)
	}
}

func TestStopEndsCleanupLoop(t *testing.T) {
	store := &SessionStore{
		sessions:        make(map[string]*Session),
		byUser:          make(map[string]string),
		sessionTTL:      time.Minute,
		cleanupInterval: 10 * time.Millisecond,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		done:            make(chan struct{}),
	}

	exited := make(chan struct{})
	go func() {
		store.cleanupLoop()
		close(exited)
	}()

	store.Stop()
	store.Stop()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop still running after Stop")
	}
}
