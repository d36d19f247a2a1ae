package auth

import (
	"context"
	"sync"
)

// Session tracks the signed-in identity for one device. Observers register
// with OnIdentityChanged and are called immediately with the current state,
// then again on every sign-in and sign-out.
type Session struct {
	svc *Service

	mu     sync.Mutex
	cur    *Identity
	token  string
	subs   map[int]func(*Identity)
	nextID int
}

func (s *Service) NewSession() *Session {
	return &Session{svc: s, subs: make(map[int]func(*Identity))}
}

// SessionFor returns a session already signed in as ident, for callers that
// established the identity out of band (a verified bearer token).
func (s *Service) SessionFor(ident Identity) *Session {
	sess := s.NewSession()
	sess.cur = &ident
	return sess
}

func (d *Session) SignUp(ctx context.Context, email, password string) (Identity, error) {
	ident, token, err := d.svc.SignUp(ctx, email, password)
	if err != nil {
		return Identity{}, err
	}
	d.setIdentity(&ident, token)
	return ident, nil
}

func (d *Session) SignIn(ctx context.Context, email, password string) (Identity, error) {
	ident, token, err := d.svc.SignIn(ctx, email, password)
	if err != nil {
		return Identity{}, err
	}
	d.setIdentity(&ident, token)
	return ident, nil
}

func (d *Session) SignOut(ctx context.Context) error {
	d.setIdentity(nil, "")
	return nil
}

func (d *Session) Current() *Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur
}

func (d *Session) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

// OnIdentityChanged registers fn on the identity stream. fn runs immediately
// with the current identity (nil when signed out) and on every later change.
// The returned unsubscribe is idempotent.
func (d *Session) OnIdentityChanged(fn func(*Identity)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	cur := d.cur
	d.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

func (d *Session) setIdentity(ident *Identity, token string) {
	d.mu.Lock()
	d.cur = ident
	d.token = token
	fns := make([]func(*Identity), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(ident)
	}
}
