package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goodlistener/callserver/internal/callflow"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// SessionParams describes a call screen being opened.
type SessionParams struct {
	UserID    string
	MatchID   string
	Profile   callflow.Profile
	Navigator callflow.Navigator
	Observer  callflow.Observer
}

// Session is an open call screen tracked by the store.
type Session struct {
	coord     *callflow.Coordinator
	userID    string
	matchID   string
	createdAt time.Time
	expiresAt time.Time
}

func (s *Session) Coordinator() *callflow.Coordinator { return s.coord }

func (s *Session) UserID() string { return s.userID }

func (s *Session) MatchID() string { return s.matchID }

// SessionStore keeps the open call sessions. At most one session per user is open; opening
// another one abandons the previous screen.
//
// The store never calls into a coordinator while holding its own lock, because a
// coordinator's navigator releases the session from the store.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]string

	sessionTTL      time.Duration
	cleanupInterval time.Duration
	retryLimit      int
	retryWindow     time.Duration

	logger   *slog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

func NewSessionStore(sessionTTL time.Duration, retryLimit int, retryWindow time.Duration, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	s := &SessionStore{
		sessions:        make(map[string]*Session),
		byUser:          make(map[string]string),
		sessionTTL:      sessionTTL,
		cleanupInterval: time.Minute,
		retryLimit:      retryLimit,
		retryWindow:     retryWindow,
		logger:          logger,
		done:            make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Create opens a session for params.UserID. The role is read from roles exactly once.
func (s *SessionStore) Create(ctx context.Context, roles callflow.RoleSource, params SessionParams, now time.Time) (*callflow.Coordinator, error) {
	id, err := gonanoid.New(16)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	policy := callflow.NewRetryPolicy(s.retryLimit, s.retryWindow)
	s.mu.Unlock()

	coord, err := callflow.Open(ctx, roles, params.UserID, callflow.Config{
		ID:        id,
		Profile:   params.Profile,
		Policy:    policy,
		Navigator: params.Navigator,
		Observer:  params.Observer,
		Logger:    s.logger,
		StartedAt: now,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var previous *callflow.Coordinator
	if oldID, ok := s.byUser[params.UserID]; ok {
		if old := s.sessions[oldID]; old != nil {
			previous = old.coord
		}
		s.removeLocked(oldID)
	}
	s.sessions[id] = &Session{
		coord:     coord,
		userID:    params.UserID,
		matchID:   params.MatchID,
		createdAt: now,
		expiresAt: now.Add(s.sessionTTL),
	}
	s.byUser[params.UserID] = id
	s.mu.Unlock()

	if previous != nil {
		previous.Close(context.WithoutCancel(ctx))
	}
	return coord, nil
}

// SetRetryBudget changes the retry budget handed to sessions opened from now on.
// Open sessions keep the policy they started with.
func (s *SessionStore) SetRetryBudget(limit int, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryLimit = limit
	s.retryWindow = window
}

// RetryBudget reports the budget new sessions receive.
func (s *SessionStore) RetryBudget() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryLimit, s.retryWindow
}

// Get returns the session and extends its lifetime.
func (s *SessionStore) Get(sessionID string, now time.Time) (*Session, error) {
	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if now.After(entry.expiresAt) {
		s.removeLocked(sessionID)
		s.mu.Unlock()
		entry.coord.Close(context.Background())
		return nil, ErrSessionExpired
	}
	entry.expiresAt = now.Add(s.sessionTTL)
	s.mu.Unlock()
	return entry, nil
}

// GetForUser is Get restricted to the session owner.
func (s *SessionStore) GetForUser(sessionID, userID string, now time.Time) (*Session, error) {
	entry, err := s.Get(sessionID, now)
	if err != nil {
		return nil, err
	}
	if entry.userID != userID {
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

// ActiveForUser returns the id of the user's open session, if any.
func (s *SessionStore) ActiveForUser(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[userID]
	return id, ok
}

// List returns the open sessions ordered by creation time.
func (s *SessionStore) List() []callflow.Snapshot {
	s.mu.Lock()
	entries := make([]*Session, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].coord.ID() < entries[j].coord.ID()
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	snaps := make([]callflow.Snapshot, 0, len(entries))
	for _, entry := range entries {
		snaps = append(snaps, entry.coord.Snapshot())
	}
	return snaps
}

// Release drops the session without touching its coordinator. Navigators call it.
func (s *SessionStore) Release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sessionID)
}

// CloseAll abandons every open session.
func (s *SessionStore) CloseAll(ctx context.Context) {
	s.mu.Lock()
	coords := make([]*callflow.Coordinator, 0, len(s.sessions))
	for id, entry := range s.sessions {
		coords = append(coords, entry.coord)
		s.removeLocked(id)
	}
	s.mu.Unlock()

	for _, coord := range coords {
		coord.Close(ctx)
	}
}

// Stop ends the expiry sweep. Open sessions are left alone; use CloseAll for those.
func (s *SessionStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *SessionStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		case <-s.done:
			return
		}
	}
}

func (s *SessionStore) cleanupExpired(now time.Time) int {
	s.mu.Lock()
	var expired []*callflow.Coordinator
	for id, entry := range s.sessions {
		if now.After(entry.expiresAt) {
			expired = append(expired, entry.coord)
			s.removeLocked(id)
		}
	}
	s.mu.Unlock()

	for _, coord := range expired {
		s.logger.Info("call session expired", "session_id", coord.ID())
		coord.Close(context.Background())
	}
	return len(expired)
}

func (s *SessionStore) removeLocked(sessionID string) {
	entry, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	if s.byUser[entry.userID] == sessionID {
		delete(s.byUser, entry.userID)
	}
}
