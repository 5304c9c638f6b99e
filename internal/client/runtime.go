// Package client is the transport shared by every market participant:
// connect, framed send with bounded retries, a background receive loop and
// request/response correlation over the single connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/efreitasn/marketsim/internal/domain"
	"github.com/efreitasn/marketsim/internal/protocol"
)

// Config holds the runtime settings. Zero durations and counts select the
// defaults in DefaultConfig.
type Config struct {
	Addr            string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration // per read attempt, re-armed after each frame
	WriteTimeout    time.Duration
	SendAttempts    int
	SendBackoff     time.Duration
	RegisterTimeout time.Duration
}

// DefaultConfig returns the default settings for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendAttempts:    3,
		SendBackoff:     500 * time.Millisecond,
		RegisterTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Addr)
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = d.SendAttempts
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = d.SendBackoff
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = d.RegisterTimeout
	}
	return c
}

// UpdateProcessor receives every message the runtime reads, before any
// waiter is resolved. Role logic implements it to track unsolicited updates.
type UpdateProcessor interface {
	ProcessUpdate(msg protocol.Message)
}

// waiter is the single pending request slot.
type waiter struct {
	accept func(protocol.Type) bool
	ch     chan protocol.Message // buffered, receives at most one message
}

// Runtime is one participant connection. The protocol carries no
// correlation ids, so request/wait pairs are serialized per runtime.
type Runtime struct {
	cfg       Config
	logger    *slog.Logger
	processor UpdateProcessor

	conn    net.Conn
	writeMu sync.Mutex
	reqMu   sync.Mutex // one request/wait pair at a time

	mu      sync.Mutex // guards the fields below
	running bool
	closed  bool
	nodeID  string
	last    protocol.Message
	waiter  *waiter
	done    chan struct{} // closed when the receive loop exits
	exitErr error
}

// NewRuntime creates a runtime. processor may be nil.
func NewRuntime(cfg Config, processor UpdateProcessor, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		processor: processor,
	}
}

// Connect dials the server and starts the receive loop. A runtime whose
// loop has exited may connect again; the node id must then be registered
// anew.
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrConnectionClosed
	}
	if r.conn != nil {
		r.mu.Unlock()
		return errors.New("client: already connected")
	}
	r.mu.Unlock()

	dialer := net.Dialer{Timeout: r.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %w", ErrConnection, r.cfg.Addr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.running = true
	r.nodeID = ""
	r.exitErr = nil
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.readLoop(conn)
	r.logger.Debug("connected", slog.String("addr", r.cfg.Addr))
	return nil
}

// Close closes the connection and waits for the receive loop to exit.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn, done := r.conn, r.done
	r.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// IsRunning reports whether the receive loop is active.
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// NodeID returns the id assigned at registration, or "" before it.
func (r *Runtime) NodeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodeID
}

// LastResponse returns the most recent message received.
func (r *Runtime) LastResponse() (protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.last.Payload != nil
}

// Done is closed when the receive loop exits.
func (r *Runtime) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the error that ended the receive loop, if it has ended.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitErr
}

// NewMessage stamps p with this runtime's sender id.
func (r *Runtime) NewMessage(p protocol.Payload) protocol.Message {
	sender := r.NodeID()
	if sender == "" {
		sender = protocol.UnregisteredSender
	}
	return protocol.New(sender, p)
}

// Send frames and writes msg. A write that times out before any byte
// reached the socket is retried after a fixed backoff; any other failure
// ends the attempts. The last error is returned.
func (r *Runtime) Send(msg protocol.Message) error {
	r.mu.Lock()
	conn, running, done := r.conn, r.running, r.done
	r.mu.Unlock()
	if !running {
		return ErrNotConnected
	}

	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	frame, err := protocol.Frame(b)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.SendAttempts; attempt++ {
		n, err := r.write(conn, frame)
		if err == nil {
			return nil
		}
		lastErr = err
		if n > 0 || !isTimeout(err) {
			break
		}
		r.logger.Warn("send timed out",
			slog.String("type", string(msg.Type)),
			slog.Int("attempt", attempt),
		)
		if attempt == r.cfg.SendAttempts {
			break
		}
		select {
		case <-time.After(r.cfg.SendBackoff):
		case <-done:
			return ErrConnectionClosed
		}
	}
	return fmt.Errorf("%w: sending %s: %w", ErrConnection, msg.Type, lastErr)
}

func (r *Runtime) write(conn net.Conn, frame []byte) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout)); err != nil {
		return 0, err
	}
	return conn.Write(frame)
}

// WaitForResponse waits for the next message of any type.
func (r *Runtime) WaitForResponse(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	w, err := r.arm(func(protocol.Type) bool { return true })
	if err != nil {
		return protocol.Message{}, err
	}
	return r.await(ctx, w, timeout)
}

// Request sends msg and waits for a reply whose type is one of expect, or
// an error message, which is returned as a *ServerError.
func (r *Runtime) Request(ctx context.Context, msg protocol.Message, timeout time.Duration, expect ...protocol.Type) (protocol.Message, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	w, err := r.arm(func(t protocol.Type) bool {
		return t == protocol.TypeError || slices.Contains(expect, t)
	})
	if err != nil {
		return protocol.Message{}, err
	}
	if err := r.Send(msg); err != nil {
		r.disarm(w)
		return protocol.Message{}, err
	}

	resp, err := r.await(ctx, w, timeout)
	if err != nil {
		return protocol.Message{}, err
	}
	if e, ok := resp.Payload.(protocol.Error); ok && !slices.Contains(expect, protocol.TypeError) {
		return resp, &ServerError{Message: e.Error}
	}
	return resp, nil
}

// Register sends register for role and stores the node id from the ACK.
func (r *Runtime) Register(ctx context.Context, role domain.ClientRole) (string, error) {
	msg := protocol.New(protocol.UnregisteredSender, protocol.Register{ClientType: string(role)})
	resp, err := r.Request(ctx, msg, r.cfg.RegisterTimeout, protocol.TypeAck)
	if err != nil {
		return "", fmt.Errorf("registering as %s: %w", role, err)
	}
	ack := resp.Payload.(protocol.Ack)

	r.mu.Lock()
	r.nodeID = ack.NodeID
	r.mu.Unlock()
	r.logger.Info("registered", slog.String("node_id", ack.NodeID), slog.String("role", string(role)))
	return ack.NodeID, nil
}

func (r *Runtime) arm(accept func(protocol.Type) bool) (*waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, ErrNotConnected
	}
	w := &waiter{accept: accept, ch: make(chan protocol.Message, 1)}
	r.waiter = w
	return w, nil
}

func (r *Runtime) disarm(w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiter == w {
		r.waiter = nil
	}
}

func (r *Runtime) await(ctx context.Context, w *waiter, timeout time.Duration) (protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-r.Done():
		// The loop may have delivered right before exiting.
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		r.disarm(w)
		return protocol.Message{}, ErrConnectionClosed
	case <-timer.C:
		r.disarm(w)
		return protocol.Message{}, ErrTimeout
	case <-ctx.Done():
		r.disarm(w)
		return protocol.Message{}, ctx.Err()
	}
}

// readLoop reads frames until the connection fails. An idle read timeout
// with nothing read just polls again; a timeout mid-frame is fatal since
// the stream can no longer be resynchronized.
func (r *Runtime) readLoop(conn net.Conn) {
	cr := &countingReader{r: conn}
	var exitErr error
	defer func() {
		conn.Close()
		r.mu.Lock()
		r.running = false
		r.exitErr = exitErr
		r.waiter = nil
		if r.conn == conn {
			r.conn = nil
		}
		done := r.done
		r.mu.Unlock()
		close(done)
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
			exitErr = err
			return
		}
		cr.n = 0
		msg, err := protocol.ReadMessage(cr)
		if err != nil {
			if isTimeout(err) && cr.n == 0 {
				continue
			}
			exitErr = err
			r.logExit(err)
			return
		}
		r.deliver(msg)
	}
}

func (r *Runtime) deliver(msg protocol.Message) {
	if r.processor != nil {
		r.processor.ProcessUpdate(msg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = msg
	if w := r.waiter; w != nil && w.accept(msg.Type) {
		r.waiter = nil
		w.ch <- msg
	}
}

func (r *Runtime) logExit(err error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()

	var pe *protocol.ProtocolError
	switch {
	case closed, errors.Is(err, net.ErrClosed):
		r.logger.Debug("receive loop stopped")
	case errors.Is(err, io.EOF):
		r.logger.Info("server closed connection")
	case errors.As(err, &pe):
		r.logger.Error("protocol error", slog.String("error", err.Error()))
	default:
		r.logger.Warn("receive loop failed", slog.String("error", err.Error()))
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
