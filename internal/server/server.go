// Package server implements the market's TCP front end: admission control,
// the registration handshake, per-role message dispatch and broadcasts.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/protocol"
	"github.com/efreitasn/marketsim/internal/service"
)

// Config holds the connection server settings.
type Config struct {
	Addr             string
	MaxConnections   int           // live connection cap, 0 = unlimited
	HandshakeTimeout time.Duration // deadline for the first frame
	IdleTimeout      time.Duration // read deadline between frames, 0 = none
	WriteTimeout     time.Duration // per-frame write deadline, 0 = none
	MessageRate      float64       // messages per second per session, 0 = unlimited
	MessageBurst     int
	Observer         Observer // receives every buyer broadcast, optional
}

// Observer is handed the encoded envelope of each buyer broadcast.
type Observer interface {
	Publish(msg []byte)
}

// Server accepts participant connections and drives the market on their
// behalf. It also receives the market's expiry and rotation events.
type Server struct {
	cfg      Config
	market   *service.MarketService
	logger   *slog.Logger
	registry *registry
	stats    counters
	nextID   atomic.Uint64
	closing  atomic.Bool

	mu sync.Mutex
	ln net.Listener
}

// New creates a Server and installs it as the market's sale notifier.
func New(cfg Config, market *service.MarketService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		market:   market,
		logger:   logger,
		registry: newRegistry(),
	}
	market.SetNotifier(s)
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and runs the accept loop.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop until Shutdown. Accept errors are retried
// with a growing delay; Serve returns nil after a shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	var retryDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Failures such as EMFILE clear once sessions end.
			retryDelay = nextAcceptDelay(retryDelay)
			s.logger.Warn("accept failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", retryDelay),
			)
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0

		sess := newSession(conn, s.cfg)
		if err := s.registry.admit(sess, s.cfg.MaxConnections); err != nil {
			s.stats.rejected.Add(1)
			s.logger.Warn("connection refused",
				slog.String("remote_addr", sess.remoteAddr),
				slog.String("reason", err.Error()),
			)
			_ = conn.Close()
			continue
		}
		s.stats.accepted.Add(1)
		go s.serveSession(sess)
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// nextAcceptDelay doubles the previous accept backoff up to maxAcceptDelay.
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(2*prev, maxAcceptDelay)
}

// Shutdown stops accepting, closes every session and waits for their loops
// to exit or ctx to end. Pending sale expiries are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	s.registry.closeAll()
	done := make(chan struct{})
	go func() {
		s.registry.wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.market.Close()
	s.logger.Info("server stopped")
	return err
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	st := s.stats.snapshot()
	st.ActiveConnections = s.registry.count()
	return st
}

// Sessions returns a snapshot of every live connection.
func (s *Server) Sessions() []ClientInfo {
	return s.registry.infos()
}

func (s *Server) serveSession(sess *session) {
	logger := s.logger.With(slog.String("remote_addr", sess.remoteAddr))
	defer func() {
		s.registry.release(sess)
		_ = sess.conn.Close()
		sess.setState(domain.ClientDisconnected)
		nodeID, _ := sess.identity()
		logger.Info("connection closed", slog.String("node_id", nodeID))
	}()

	if !s.handshake(sess, logger) {
		return
	}
	nodeID, role := sess.identity()
	logger = logger.With(slog.String("node_id", nodeID), slog.String("role", string(role)))

	for {
		var deadline time.Time
		if s.cfg.IdleTimeout > 0 {
			deadline = time.Now().Add(s.cfg.IdleTimeout)
		}
		if err := sess.conn.SetReadDeadline(deadline); err != nil {
			return
		}

		msg, err := protocol.ReadMessage(sess.conn)
		if err != nil {
			s.logReadError(logger, err)
			return
		}
		if !sess.allow() {
			s.stats.rateLimited.Add(1)
			s.replyError(sess, "rate limit exceeded")
			continue
		}
		s.dispatch(sess, msg, logger)
	}
}

// handshake reads the first frame, which must be a register message with a
// valid role, assigns the node id and writes the ACK. Any other first
// frame drops the connection without a reply.
func (s *Server) handshake(sess *session, logger *slog.Logger) bool {
	if s.cfg.HandshakeTimeout > 0 {
		if err := sess.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
			return false
		}
	}
	msg, err := protocol.ReadMessage(sess.conn)
	if err != nil {
		s.logReadError(logger, err)
		return false
	}
	reg, ok := msg.Payload.(protocol.Register)
	if !ok {
		s.stats.protocolViolations.Add(1)
		logger.Warn("first message is not register", slog.String("type", string(msg.Type)))
		return false
	}
	role, err := domain.ParseClientRole(reg.ClientType)
	if err != nil {
		s.stats.protocolViolations.Add(1)
		logger.Warn("registration refused", slog.String("error", err.Error()))
		return false
	}

	nodeID := fmt.Sprintf("%s_%d", role, s.nextID.Add(1))
	sess.register(nodeID, role)
	if role == domain.RoleSeller {
		s.market.RegisterSeller(nodeID)
	}

	frame, err := encode(protocol.Ack{NodeID: nodeID})
	if err != nil {
		logger.Error("encoding ack", slog.String("error", err.Error()))
		return false
	}
	// The session becomes visible to broadcasts only once its ACK is on
	// the wire, so the ACK is always the first frame it receives.
	sess.writeMu.Lock()
	err = sess.writeFrameLocked(frame)
	if err == nil {
		s.registry.register(sess, nodeID)
	}
	sess.writeMu.Unlock()
	if err != nil {
		logger.Warn("writing ack", slog.String("error", err.Error()))
		return false
	}

	sess.setState(domain.ClientActive)
	s.stats.registered.Add(1)
	logger.Info("client registered", slog.String("node_id", nodeID), slog.String("role", string(role)))
	return true
}

func (s *Server) logReadError(logger *slog.Logger, err error) {
	var pe *protocol.ProtocolError
	var ne net.Error
	switch {
	case errors.As(err, &pe):
		s.stats.protocolViolations.Add(1)
		logger.Warn("protocol violation", slog.String("error", err.Error()))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("peer closed connection")
	case errors.As(err, &ne) && ne.Timeout():
		logger.Info("read timed out")
	default:
		logger.Warn("read failed", slog.String("error", err.Error()))
	}
}

// encode builds a server-originated frame.
func encode(p protocol.Payload) ([]byte, error) {
	b, err := protocol.Encode(protocol.New(protocol.ServerSender, p))
	if err != nil {
		return nil, err
	}
	return protocol.Frame(b)
}

// reply writes p to one session, logging failures.
func (s *Server) reply(sess *session, p protocol.Payload) {
	frame, err := encode(p)
	if err != nil {
		s.logger.Error("encoding reply", slog.String("type", string(p.MessageType())), slog.String("error", err.Error()))
		return
	}
	if err := sess.writeFrame(frame); err != nil {
		nodeID, _ := sess.identity()
		s.logger.Warn("write failed",
			slog.String("node_id", nodeID),
			slog.String("type", string(p.MessageType())),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) replyError(sess *session, text string) {
	s.reply(sess, protocol.Error{Error: text})
}

// sendTo writes p to the session registered as nodeID, if it is still
// connected.
func (s *Server) sendTo(nodeID string, p protocol.Payload) {
	sess, ok := s.registry.lookup(nodeID)
	if !ok {
		s.logger.Debug("recipient not connected",
			slog.String("node_id", nodeID),
			slog.String("type", string(p.MessageType())),
		)
		return
	}
	s.reply(sess, p)
}

// broadcast writes p to every registered session with the given role. The
// recipient list is taken under the registry lock and written outside it;
// a failed write only affects its own recipient.
func (s *Server) broadcast(role domain.ClientRole, p protocol.Payload) {
	body, err := protocol.Encode(protocol.New(protocol.ServerSender, p))
	if err != nil {
		s.logger.Error("encoding broadcast", slog.String("type", string(p.MessageType())), slog.String("error", err.Error()))
		return
	}
	frame, err := protocol.Frame(body)
	if err != nil {
		s.logger.Error("framing broadcast", slog.String("type", string(p.MessageType())), slog.String("error", err.Error()))
		return
	}
	for _, sess := range s.registry.snapshot(role) {
		if err := sess.writeFrame(frame); err != nil {
			nodeID, _ := sess.identity()
			s.logger.Warn("broadcast write failed",
				slog.String("node_id", nodeID),
				slog.String("type", string(p.MessageType())),
				slog.String("error", err.Error()),
			)
		}
	}
	if role == domain.RoleBuyer && s.cfg.Observer != nil {
		s.cfg.Observer.Publish(body)
	}
}
