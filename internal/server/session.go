package server

import (
	"net"
	"sync"
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"golang.org/x/time/rate"
)

// ClientInfo is a snapshot of one connection's session record.
type ClientInfo struct {
	NodeID      string             `json:"node_id,omitempty"`
	Role        domain.ClientRole  `json:"role,omitempty"`
	State       domain.ClientState `json:"state"`
	RemoteAddr  string             `json:"remote_addr"`
	ConnectedAt time.Time          `json:"connected_at"`
}

// session is the server side of one TCP connection.
type session struct {
	conn        net.Conn
	remoteAddr  string
	connectedAt time.Time
	limiter     *rate.Limiter // nil when rate limiting is off

	// writeMu serializes direct replies and broadcasts so frames never
	// interleave on the socket.
	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu     sync.Mutex // guards the fields below
	nodeID string
	role   domain.ClientRole
	state  domain.ClientState
}

func newSession(conn net.Conn, cfg Config) *session {
	sess := &session{
		conn:         conn,
		remoteAddr:   conn.RemoteAddr().String(),
		connectedAt:  time.Now(),
		writeTimeout: cfg.WriteTimeout,
		state:        domain.ClientConnected,
	}
	if cfg.MessageRate > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst)
	}
	return sess
}

func (s *session) register(nodeID string, role domain.ClientRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeID = nodeID
	s.role = role
	s.state = domain.ClientRegistered
}

func (s *session) setState(state domain.ClientState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *session) identity() (string, domain.ClientRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID, s.role
}

func (s *session) info() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ClientInfo{
		NodeID:      s.nodeID,
		Role:        s.role,
		State:       s.state,
		RemoteAddr:  s.remoteAddr,
		ConnectedAt: s.connectedAt,
	}
}

// allow applies the session's rate limit. A refused message marks the
// session inactive until a message is admitted again.
func (s *session) allow() bool {
	if s.limiter == nil {
		return true
	}
	ok := s.limiter.Allow()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !ok && s.state == domain.ClientActive:
		s.state = domain.ClientInactive
	case ok && s.state == domain.ClientInactive:
		s.state = domain.ClientActive
	}
	return ok
}

// writeFrame writes one already framed message.
func (s *session) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeFrameLocked(frame)
}

func (s *session) writeFrameLocked(frame []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(frame)
	return err
}
