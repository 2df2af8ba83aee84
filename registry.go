package oxide

import (
	"sync"
	"time"
)

// sessionRegistry is the process-wide map from resumption credentials to
// live sessions. Sessions are keyed twice: by the opaque resumption token
// and by the client identity they were registered under. Expiry is driven by
// a periodic sweep, independent of any connection's lifecycle.
type sessionRegistry struct {
	srv *Server

	lock     sync.Mutex
	byToken  map[string]*session
	byClient map[string]*session

	stopped  chan struct{}
	stopOnce sync.Once
}

func newSessionRegistry(srv *Server) *sessionRegistry {
	return &sessionRegistry{
		srv:      srv,
		byToken:  make(map[string]*session),
		byClient: make(map[string]*session),
		stopped:  make(chan struct{}),
	}
}

func (r *sessionRegistry) add(s *session) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.byToken[s.token] = s
	// A fresh registration under an identity that still maps to an old
	// session steals the key: the old session keeps running until it
	// expires, reachable through its token only.
	r.byClient[s.clientKey] = s
}

func (r *sessionRegistry) remove(s *session) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.byToken[s.token] == s {
		delete(r.byToken, s.token)
	}
	if r.byClient[s.clientKey] == s {
		delete(r.byClient, s.clientKey)
	}
}

func (r *sessionRegistry) lookupToken(token string) *session {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.byToken[token]
}

func (r *sessionRegistry) lookupClient(key string) *session {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.byClient[key]
}

// updateToken re-keys a session after the backend issued (or replaced) its
// resumption token.
func (r *sessionRegistry) updateToken(s *session, token string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	s.lock.Lock()
	old := s.token
	s.token = token
	s.lock.Unlock()

	if r.byToken[old] == s {
		delete(r.byToken, old)
	}
	r.byToken[token] = s
}

// run sweeps expired sessions until the registry is stopped.
func (r *sessionRegistry) run() {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			r.sweep(now)
		case <-r.stopped:
			return
		}
	}
}

// sweep tears down every session whose grace period has elapsed.
func (r *sessionRegistry) sweep(now time.Time) {
	grace := r.srv.Config().SessionGrace

	r.lock.Lock()
	var expired []*session
	for _, s := range r.byToken {
		if s.expired(now, grace) {
			expired = append(expired, s)
		}
	}
	r.lock.Unlock()

	for _, s := range expired {
		s.stop("Session expired")
		r.srv.metrics.sessionsExpired.Inc()
	}
}

// stop halts the sweeper and tears down every remaining session.
func (r *sessionRegistry) stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})

	r.lock.Lock()
	var all []*session
	for _, s := range r.byToken {
		all = append(all, s)
	}
	r.lock.Unlock()

	for _, s := range all {
		s.stop("Proxy shutting down")
	}
}
