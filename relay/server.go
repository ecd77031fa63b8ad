package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/kozmoi/radar-relay/metrics"
	"github.com/kozmoi/radar-relay/telemetry"
)

// Acknowledgment is written back for every chunk a client sends.
const Acknowledgment = "Datos recibidos: "

const (
	// DefaultAdmissionRetry is how long the accept loop waits before rechecking a full registry.
	DefaultAdmissionRetry = time.Second
	// DefaultErrorPause is the pause after a failed ReadLine or Accept.
	DefaultErrorPause = time.Millisecond
	// DefaultTerminator is stripped from every line before broadcast.
	DefaultTerminator byte = '.'
)

var (
	// ErrBind is returned by Start when the listening socket cannot be bound.
	ErrBind = errors.New("relay: bind failed")
	// ErrDevice is returned by Start when the line source cannot be opened.
	ErrDevice = errors.New("relay: device unavailable")
	// ErrAlreadyRunning is returned by Start unless the server is stopped.
	ErrAlreadyRunning = errors.New("relay: server already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = errors.New("relay: nothing to stop")
	// ErrClientIO wraps per-connection read and write failures.
	ErrClientIO = errors.New("relay: client i/o")
)

// LineSource is the telemetry producer. ReadLine is only ever called from
// the broadcast loop; Close must unblock a pending ReadLine.
type LineSource interface {
	Open() error
	ReadLine() (string, error)
	Close() error
}

// State is the server lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Nil discards.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces the clock used for admission waits and timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithAdmissionRetry sets how long the accept loop waits while the registry is full.
func WithAdmissionRetry(d time.Duration) Option {
	return func(s *Server) { s.admissionRetry = d }
}

// WithErrorPause sets the pause after a failed ReadLine before the next attempt.
func WithErrorPause(d time.Duration) Option {
	return func(s *Server) { s.errorPause = d }
}

// WithTerminator sets the byte stripped from lines before broadcast.
func WithTerminator(b byte) Option {
	return func(s *Server) { s.terminator = b }
}

// Server broadcasts lines from a LineSource to a bounded set of TCP clients.
type Server struct {
	source         LineSource
	log            *slog.Logger
	clock          clockwork.Clock
	admissionRetry time.Duration
	errorPause     time.Duration
	terminator     byte
	ack            []byte

	capacityWarn *rate.Limiter
	readErrWarn  *rate.Limiter

	mu       sync.Mutex // serializes Start and Stop
	listener net.Listener
	quit     chan struct{}
	loops    sync.WaitGroup
	handlers sync.WaitGroup

	state    atomic.Int32
	registry atomic.Pointer[Registry]
	addr     atomic.Pointer[net.TCPAddr]
	debug    atomic.Bool
}

// New returns a stopped server reading from source.
func New(source LineSource, opts ...Option) *Server {
	s := &Server{
		source:         source,
		log:            slog.New(slog.DiscardHandler),
		clock:          clockwork.NewRealClock(),
		admissionRetry: DefaultAdmissionRetry,
		errorPause:     DefaultErrorPause,
		terminator:     DefaultTerminator,
		ack:            []byte(Acknowledgment),
		capacityWarn:   rate.NewLimiter(rate.Every(5*time.Second), 1),
		readErrWarn:    rate.NewLimiter(rate.Every(time.Second), 3),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds host:port, opens the line source and launches the accept and
// broadcast loops. On failure nothing is left open and the server stays stopped.
func (s *Server) Start(host string, port, maxConnections int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStopped {
		s.log.Warn("server already running")
		return ErrAlreadyRunning
	}
	if maxConnections < 1 {
		return fmt.Errorf("relay: max connections must be at least 1, got %d", maxConnections)
	}
	s.setState(StateStarting)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.setState(StateStopped)
		s.log.Error("listen failed", "addr", addr, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}

	if err := s.source.Open(); err != nil {
		ln.Close()
		s.setState(StateStopped)
		s.log.Error("serial device unavailable, server not started", "error", err)
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}

	reg := NewRegistry(maxConnections)
	quit := make(chan struct{})
	s.listener = ln
	s.quit = quit
	s.registry.Store(reg)
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.addr.Store(tcp)
	}
	s.setState(StateRunning)

	s.loops.Add(2)
	go s.acceptLoop(ln, reg, quit)
	go s.broadcastLoop(reg, quit)

	s.log.Info("server listening", "addr", ln.Addr().String(), "max_connections", maxConnections)
	return nil
}

// Stop closes every client, the line source and the listener, then waits
// for all goroutines to exit. It returns ErrNotRunning when not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Server) stopLocked() error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	s.setState(StateStopping)

	close(s.quit)
	reg := s.registry.Load()
	closed := reg.Clear()
	if err := s.source.Close(); err != nil {
		s.log.Warn("closing line source", "error", err)
	}
	s.listener.Close()

	s.loops.Wait()
	s.handlers.Wait()

	metrics.Disconnects.WithLabelValues("shutdown").Add(float64(closed))
	s.addr.Store(nil)
	s.setState(StateStopped)
	s.log.Info("server stopped", "clients_closed", closed)
	return nil
}

// abort stops the session identified by quit after a fatal listener error.
func (s *Server) abort(quit chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quit != quit {
		return
	}
	s.stopLocked()
}

// IsRunning reports whether the server is in the running state.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// State returns the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Addr returns the bound listener address, or nil when not running.
func (s *Server) Addr() net.Addr {
	if a := s.addr.Load(); a != nil {
		return a
	}
	return nil
}

// Clients returns the number of registered clients.
func (s *Server) Clients() int {
	if reg := s.registry.Load(); reg != nil {
		return reg.Size()
	}
	return 0
}

// SetDebug enables per-line and per-client debug logging.
func (s *Server) SetDebug(enabled bool) {
	s.debug.Store(enabled)
}

// Debug reports whether debug logging is enabled.
func (s *Server) Debug() bool {
	return s.debug.Load()
}

func (s *Server) acceptLoop(ln net.Listener, reg *Registry, quit chan struct{}) {
	defer s.loops.Done()

	for {
		select {
		case <-quit:
			return
		default:
		}

		// Check capacity before accepting so a surplus client waits in the backlog.
		if reg.Size() >= reg.Max() {
			metrics.AdmissionStalls.Inc()
			if s.capacityWarn.Allow() {
				s.log.Warn("maximum connections reached", "clients", reg.Size(), "max", reg.Max())
			}
			select {
			case <-quit:
				return
			case <-s.clock.After(s.admissionRetry):
			}
			continue
		}

		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.log.Error("listener closed unexpectedly, stopping server", "error", err)
				go s.abort(quit)
				return
			}
			s.log.Error("accept failed", "error", err)
			select {
			case <-quit:
				return
			case <-s.clock.After(s.errorPause):
			}
			continue
		}

		select {
		case <-quit:
			nc.Close()
			return
		default:
		}

		c := NewConn(nc, s.clock.Now())
		if !reg.TryAdd(c) {
			metrics.Admissions.WithLabelValues("rejected").Inc()
			s.log.Warn("registry full, dropping connection", "remote", c.RemoteAddr())
			c.Close()
			continue
		}
		// Stop may have cleared the registry between the check above and TryAdd.
		select {
		case <-quit:
			reg.Remove(c)
			c.Close()
			return
		default:
		}

		metrics.Admissions.WithLabelValues("admitted").Inc()
		s.log.Info("client connected", "client_id", c.ID(), "remote", c.RemoteAddr(), "clients", reg.Size())

		s.handlers.Add(1)
		go s.serveConn(c, reg)
	}
}

func (s *Server) serveConn(c *Conn, reg *Registry) {
	defer s.handlers.Done()

	reason := "closed"
	defer func() {
		if reg.Remove(c) {
			metrics.Disconnects.WithLabelValues(reason).Inc()
		}
		c.Close()
		s.log.Warn("client disconnected", "client_id", c.ID(), "remote", c.RemoteAddr(), "reason", reason)
	}()

	buf := make([]byte, 1024)
	identified := false
	for {
		n, err := c.Read(buf)
		if n > 0 {
			data := strings.TrimSpace(string(buf[:n]))
			if !identified {
				identified = true
				s.log.Info("client identified", "client_id", c.ID(), "ident", data)
			} else {
				s.log.Debug("client data", "client_id", c.ID(), "data", data)
			}

			if werr := c.Write(s.ack); werr != nil {
				reason = "write_error"
				metrics.ClientWriteErrors.Inc()
				s.log.Warn("acknowledgment failed", "client_id", c.ID(), "error", fmt.Errorf("%w: %v", ErrClientIO, werr))
				return
			}
			if s.debug.Load() {
				s.log.Debug("acknowledgment sent", "client_id", c.ID())
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || !c.Connected() {
				return
			}
			reason = "read_error"
			s.log.Warn("client read failed", "client_id", c.ID(), "error", fmt.Errorf("%w: %v", ErrClientIO, err))
			return
		}
	}
}

func (s *Server) broadcastLoop(reg *Registry, quit chan struct{}) {
	defer s.loops.Done()

	for {
		line, err := s.source.ReadLine()

		select {
		case <-quit:
			return
		default:
		}

		if err != nil {
			metrics.SerialReadErrors.Inc()
			if s.readErrWarn.Allow() {
				s.log.Error("serial read failed", "error", err)
			}
			select {
			case <-quit:
				return
			case <-s.clock.After(s.errorPause):
			}
			continue
		}

		s.broadcast(reg, line)
	}
}

// broadcast writes one line to every registered client. A failing client is
// removed and closed; the others still receive the line.
func (s *Server) broadcast(reg *Registry, raw string) {
	line := telemetry.Clean(raw, s.terminator)
	if line == "" {
		return
	}

	debug := s.debug.Load()
	if debug {
		if r, err := telemetry.Parse(line); err == nil {
			s.log.Debug("telemetry reading", "angle", r.Angle, "distance", r.Distance)
		} else {
			s.log.Debug("unparsed telemetry line", "line", line, "error", err)
		}
	}

	payload := []byte(line + "\n")
	for _, c := range reg.Snapshot() {
		if err := c.Write(payload); err != nil {
			metrics.ClientWriteErrors.Inc()
			s.log.Warn("broadcast write failed", "client_id", c.ID(), "remote", c.RemoteAddr(), "error", fmt.Errorf("%w: %v", ErrClientIO, err))
			if reg.Remove(c) {
				metrics.Disconnects.WithLabelValues("write_error").Inc()
			}
			c.Close()
			continue
		}
		if debug {
			s.log.Debug("line sent", "client_id", c.ID(), "line", line)
		}
	}
	metrics.LinesBroadcast.Inc()
}
