package server

import (
	"errors"
	"sync"

	"github.com/efreitasn/marketsim/internal/domain"
)

var (
	errServerFull   = errors.New("server at capacity")
	errServerClosed = errors.New("server closed")
)

// registry tracks live connections (for admission control) and registered
// sessions by node id (for targeted sends and broadcasts). It never calls
// into the market while holding its lock.
type registry struct {
	mu     sync.Mutex
	conns  map[*session]struct{}
	byID   map[string]*session
	closed bool
	wg     sync.WaitGroup // one count per admitted connection
}

func newRegistry() *registry {
	return &registry{
		conns: make(map[*session]struct{}),
		byID:  make(map[string]*session),
	}
}

// admit adds sess unless the server is closed or limit connections are
// already live.
func (r *registry) admit(sess *session, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errServerClosed
	}
	if limit > 0 && len(r.conns) >= limit {
		return errServerFull
	}
	r.conns[sess] = struct{}{}
	r.wg.Add(1)
	return nil
}

// register makes a session addressable by its node id.
func (r *registry) register(sess *session, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[nodeID] = sess
}

// release removes sess. It must be called exactly once per admitted
// session.
func (r *registry) release(sess *session) {
	nodeID, _ := sess.identity()
	r.mu.Lock()
	delete(r.conns, sess)
	if nodeID != "" && r.byID[nodeID] == sess {
		delete(r.byID, nodeID)
	}
	r.mu.Unlock()
	r.wg.Done()
}

func (r *registry) lookup(nodeID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byID[nodeID]
	return sess, ok
}

// snapshot returns the registered sessions with the given role.
func (r *registry) snapshot(role domain.ClientRole) []*session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*session, 0, len(r.byID))
	for _, sess := range r.byID {
		if _, sessRole := sess.identity(); sessRole == role {
			out = append(out, sess)
		}
	}
	return out
}

func (r *registry) infos() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ClientInfo, 0, len(r.conns))
	for sess := range r.conns {
		out = append(out, sess.info())
	}
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll refuses further admissions and closes every live socket, which
// makes their session loops exit.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for sess := range r.conns {
		_ = sess.conn.Close()
	}
}

// wait blocks until every admitted session has been released.
func (r *registry) wait() {
	r.wg.Wait()
}
