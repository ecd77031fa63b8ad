// Package supervisor is the control surface around the relay server: it
// holds the configuration and the single long-lived server, and exposes
// Configure, Start, Stop, SendCommand and ToggleDebug to the command line.
package supervisor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kozmoi/radar-relay/config"
	"github.com/kozmoi/radar-relay/logging"
	"github.com/kozmoi/radar-relay/relay"
	"github.com/kozmoi/radar-relay/serial"
)

// ErrRunning is returned by Configure while the server is running.
var ErrRunning = errors.New("supervisor: cannot reconfigure a running server")

// Status is a point-in-time view of the supervisor.
type Status struct {
	State   relay.State
	Addr    string
	Clients int
	Debug   bool
	Config  config.Config
}

// Supervisor owns the serial reader and the relay server built on it.
type Supervisor struct {
	mu     sync.Mutex
	cfg    config.Config
	debug  bool
	log    *logging.Logger
	reader *serial.LineReader
	server *relay.Server
}

// New validates cfg and builds a stopped supervisor. Extra relay options are
// applied after the ones derived from cfg.
func New(cfg config.Config, log *logging.Logger, opts ...relay.Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}

	reader := serial.NewLineReader(serialConfig(cfg, log))
	base := []relay.Option{
		relay.WithLogger(log.Logger),
		relay.WithAdmissionRetry(cfg.Server.AdmissionRetry),
		relay.WithErrorPause(cfg.Server.ErrorPause),
		relay.WithTerminator(serial.DefaultTerminator),
	}

	s := &Supervisor{
		cfg:    cfg,
		log:    log,
		reader: reader,
		server: relay.New(reader, append(base, opts...)...),
	}
	s.setDebug(cfg.Logging.Debug)
	return s, nil
}

func serialConfig(cfg config.Config, log *logging.Logger) serial.Config {
	return serial.Config{
		Device:        cfg.Serial.Device,
		BaudRate:      cfg.Serial.BaudRate,
		MaxLineLength: cfg.Serial.MaxLineLength,
		Logger:        log.With("component", "serial"),
	}
}

// Configure replaces the listener, device and admission settings used by the
// next Start. Timing settings are fixed when the supervisor is built.
func (s *Supervisor) Configure(cfg config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server.State() != relay.StateStopped {
		return ErrRunning
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.reader.SetConfig(serialConfig(cfg, s.log)); err != nil {
		return err
	}
	s.cfg = cfg
	s.log.Info("configuration updated",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"device", cfg.Serial.Device,
		"baud", cfg.Serial.BaudRate,
		"max_connections", cfg.Server.MaxConnections,
	)
	return nil
}

// Start opens the device and begins serving clients.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.server.Start(cfg.Server.Host, cfg.Server.Port, cfg.Server.MaxConnections); err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	return nil
}

// Stop shuts the server down. It returns relay.ErrNotRunning when there is
// nothing to stop.
func (s *Supervisor) Stop() error {
	return s.server.Stop()
}

// SendCommand writes command to the device followed by a newline. It returns
// serial.ErrClosed unless the server is running with the device open.
func (s *Supervisor) SendCommand(command string) error {
	if err := s.reader.WriteLine(command, "\n"); err != nil {
		s.log.Error("sending command to device failed", "command", command, "error", err)
		return fmt.Errorf("sending command: %w", err)
	}
	s.log.Debug("command sent to device", "command", command)
	return nil
}

// ToggleDebug flips debug verbosity on the logger, reader and server and
// returns the new setting.
func (s *Supervisor) ToggleDebug() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setDebug(!s.debug)
	s.log.Warn("debug mode toggled", "enabled", s.debug)
	return s.debug
}

func (s *Supervisor) setDebug(enabled bool) {
	s.debug = enabled
	s.log.SetDebug(enabled)
	s.reader.SetDebug(enabled)
	s.server.SetDebug(enabled)
}

// Status reports the current configuration and server state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:   s.server.State(),
		Clients: s.server.Clients(),
		Debug:   s.debug,
		Config:  s.cfg,
	}
	if addr := s.server.Addr(); addr != nil {
		st.Addr = addr.String()
	}
	return st
}
