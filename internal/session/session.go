// Package session keeps one consistent view of "who is signed in and what is
// their profile" for everything downstream. It bridges the auth identity
// stream and the profile document subscription: on every identity change the
// previous profile subscription is torn down and a new one opened for the new
// uid, and consumers are never shown a profile belonging to an identity that
// is no longer current.
package session

import (
	"log/slog"
	"sync"

	"github.com/example/ride-hailing/internal/auth"
	"github.com/example/ride-hailing/internal/docstore"
	"github.com/example/ride-hailing/internal/models"
)

// IdentityStream is the auth-side contract: push-based, fires immediately
// with the current identity and again on every sign-in/out.
type IdentityStream interface {
	OnIdentityChanged(fn func(*auth.Identity)) func()
}

// ProfileSource is the store-side contract for profile documents.
type ProfileSource interface {
	SubscribeDocument(collection, id string, fn func(docstore.DocumentSnapshot)) docstore.Unsubscribe
}

// State is the composite view. Resolving is true until the first profile
// emission (or identity absence) lands; a nil Profile with Resolving false is
// a terminal, displayable "profile could not be loaded" state, not a
// loading state.
type State struct {
	Identity  *auth.Identity
	Profile   *models.Profile
	Resolving bool
}

type Synchronizer struct {
	profiles ProfileSource
	logger   *slog.Logger

	mu           sync.Mutex
	state        State
	gen          int // bumped on every identity change; stale deliveries are dropped
	unsubAuth    func()
	unsubProfile func()
	observers    map[int]func(State)
	nextObs      int
	closed       bool

	notifyMu sync.Mutex
}

func New(stream IdentityStream, profiles ProfileSource, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synchronizer{
		profiles:  profiles,
		logger:    logger,
		state:     State{Resolving: true},
		observers: make(map[int]func(State)),
	}
	s.unsubAuth = stream.OnIdentityChanged(s.onIdentity)
	return s
}

func (s *Synchronizer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn on the state stream. fn runs immediately with the
// current state and after every change; the returned cancel is idempotent.
func (s *Synchronizer) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	cur := s.state
	s.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Close tears down both subscriptions. Idempotent.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	unsubAuth, unsubProfile := s.unsubAuth, s.unsubProfile
	s.unsubAuth, s.unsubProfile = nil, nil
	s.observers = make(map[int]func(State))
	s.mu.Unlock()

	if unsubAuth != nil {
		unsubAuth()
	}
	if unsubProfile != nil {
		unsubProfile()
	}
}

func (s *Synchronizer) onIdentity(ident *auth.Identity) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.unsubProfile
	s.unsubProfile = nil

	if ident == nil {
		s.state = State{}
		s.mu.Unlock()
		if old != nil {
			old()
		}
		s.publish()
		return
	}

	s.state = State{Identity: ident, Resolving: true}
	s.mu.Unlock()
	if old != nil {
		old()
	}
	s.publish()

	uid := ident.UID
	unsub := s.profiles.SubscribeDocument(docstore.CollectionUsers, uid, func(snap docstore.DocumentSnapshot) {
		s.onProfile(gen, uid, snap)
	})

	s.mu.Lock()
	if s.closed || gen != s.gen {
		// identity changed again while we were subscribing
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubProfile = unsub
	s.mu.Unlock()
}

func (s *Synchronizer) onProfile(gen int, uid string, snap docstore.DocumentSnapshot) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if snap.Err != nil {
		// a broken listener still resolves: downstream sees "no profile",
		// never an indefinite loading state
		s.logger.Error("profile subscription failed", "uid", uid, "error", snap.Err)
		s.state.Profile = nil
		s.state.Resolving = false
		s.mu.Unlock()
		s.publish()
		return
	}
	if snap.Exists {
		p := models.ProfileFromFields(snap.Document.Fields)
		s.state.Profile = &p
	} else {
		s.state.Profile = nil
	}
	s.state.Resolving = false
	s.mu.Unlock()
	s.publish()
}

// publish reads the state inside the notify lock, so observers see a
// monotonic sequence even when an identity change and a profile emission
// land back to back.
func (s *Synchronizer) publish() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	st := s.state
	fns := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
