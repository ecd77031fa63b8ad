package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// DefaultTerminator ends one telemetry reading.
	DefaultTerminator byte = '.'
	// DefaultMaxLineLength is the most bytes a reading may span before it is discarded.
	DefaultMaxLineLength = 180
)

var (
	// ErrClosed is returned by ReadLine when the reader is not open or was closed while waiting.
	ErrClosed = errors.New("serial: reader closed")
	// ErrPortUnavailable is returned by Open when the device cannot be opened or configured.
	ErrPortUnavailable = errors.New("serial: port unavailable")
	// ErrUnsupportedBaudRate is returned by Open for rates termios cannot express.
	ErrUnsupportedBaudRate = errors.New("serial: unsupported baud rate")
	// ErrLineTooLong is returned by ReadLine when MaxLineLength bytes arrive without a terminator.
	ErrLineTooLong = errors.New("serial: line exceeds maximum length")
	// ErrAlreadyOpen is returned by SetConfig while the port is open.
	ErrAlreadyOpen = errors.New("serial: reader already open")
)

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device        string
	BaudRate      int
	Terminator    byte // default '.'
	MaxLineLength int  // default 180
	Logger        *slog.Logger
}

func (c Config) terminator() byte {
	if c.Terminator == 0 {
		return DefaultTerminator
	}
	return c.Terminator
}

func (c Config) maxLineLength() int {
	if c.MaxLineLength <= 0 {
		return DefaultMaxLineLength
	}
	return c.MaxLineLength
}

// LineReader provides killable, terminator-delimited access to a Linux serial port.
// Open, Close, SetConfig and SetDebug are safe for concurrent use; ReadLine
// must only be called from one goroutine at a time.
type LineReader struct {
	mu     sync.Mutex
	config Config
	port   *port
	debug  atomic.Bool
}

// port is one open device handle. A new port is created on every Open so a
// reopened reader never sees bytes or state from a previous session.
type port struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	readMu    sync.Mutex // held by readLine; close waits on it before releasing fds
	pipeR     int        // self-pipe read fd
	pipeW     int        // self-pipe write fd
	pending   []byte
}

// NewLineReader returns a closed reader for cfg. Call Open before ReadLine.
func NewLineReader(cfg Config) *LineReader {
	return &LineReader{config: cfg}
}

// Open opens and configures the device for raw, low-latency operation.
// Calling Open on an open reader is a no-op.
func (r *LineReader) Open() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := loggerFor(r.config)
	if r.port != nil {
		log.Debug("serial port already open", "device", r.config.Device)
		return nil
	}

	p, err := openPort(r.config)
	if err != nil {
		return err
	}
	r.port = p
	log.Info("serial port opened", "device", r.config.Device, "baud", r.config.BaudRate)
	return nil
}

// IsOpen reports whether the device is currently open.
func (r *LineReader) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port != nil
}

// SetConfig replaces the configuration used by the next Open.
func (r *LineReader) SetConfig(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port != nil {
		return ErrAlreadyOpen
	}
	r.config = cfg
	return nil
}

// Config returns the current configuration.
func (r *LineReader) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// SetDebug toggles logging of raw device chunks.
func (r *LineReader) SetDebug(enabled bool) {
	r.debug.Store(enabled)
}

// ReadLine reads a single reading from the serial port, blocking until the
// terminator is received, an error occurs or the reader is closed. The
// returned line never contains the terminator.
func (r *LineReader) ReadLine() (string, error) {
	r.mu.Lock()
	p := r.port
	cfg := r.config
	r.mu.Unlock()

	if p == nil {
		return "", ErrClosed
	}
	var log *slog.Logger
	if r.debug.Load() {
		log = loggerFor(cfg)
	}
	return p.readLine(cfg.terminator(), cfg.maxLineLength(), log)
}

// WriteLine writes a line (with specified newline) to the serial port.
func (r *LineReader) WriteLine(line string, newline string) error {
	r.mu.Lock()
	p := r.port
	r.mu.Unlock()

	if p == nil {
		return ErrClosed
	}
	_, err := p.file.WriteString(line + newline)
	return err
}

// Close closes the serial port and unblocks any pending ReadLine call.
// Safe to call multiple times; subsequent calls are no-ops.
func (r *LineReader) Close() error {
	r.mu.Lock()
	p := r.port
	cfg := r.config
	r.port = nil
	r.mu.Unlock()

	if p == nil {
		return nil
	}
	err := p.close()
	loggerFor(cfg).Info("serial port closed", "device", cfg.Device)
	return err
}

func loggerFor(cfg Config) *slog.Logger {
	if cfg.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.Logger
}

func openPort(cfg Config) (*port, error) {
	baud, ok := baudToUnix(cfg.BaudRate)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, cfg.BaudRate)
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPortUnavailable, cfg.Device, err)
	}

	if err := makeRaw(fd, baud); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, cfg.Device, err)
	}

	// Turn back into blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: %s: set blocking: %v", ErrPortUnavailable, cfg.Device, err)
	}

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: pipe: %v", ErrPortUnavailable, err)
	}

	return &port{
		fd:    fd,
		file:  os.NewFile(uintptr(fd), cfg.Device),
		done:  make(chan struct{}),
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

func makeRaw(fd int, baud uint32) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// VMIN=1, VTIME=0: a read returns as soon as one byte is available
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// readLine accumulates bytes until term. A nil log skips per-chunk logging.
func (p *port) readLine(term byte, max int, log *slog.Logger) (string, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	buf := make([]byte, 256)
	for {
		select {
		case <-p.done:
			return "", ErrClosed
		default:
		}

		if idx := bytes.IndexByte(p.pending, term); idx >= 0 {
			line := string(p.pending[:idx])
			p.pending = append(p.pending[:0], p.pending[idx+1:]...)
			return line, nil
		}
		if len(p.pending) >= max {
			p.pending = p.pending[:0]
			return "", ErrLineTooLong
		}

		// Use poll to wait for data or kill signal
		pfd := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.pipeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfd, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return "", fmt.Errorf("poll: %w", err)
		}

		select {
		case <-p.done:
			return "", ErrClosed
		default:
		}
		if pfd[1].Revents&unix.POLLIN != 0 || pfd[0].Revents&unix.POLLNVAL != 0 {
			return "", ErrClosed
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		n, err := p.file.Read(buf)
		if n > 0 {
			if log != nil {
				log.Debug("serial chunk", "bytes", n, "data", string(buf[:n]))
			}
			p.pending = append(p.pending, buf[:n]...)
		}
		if err != nil {
			select {
			case <-p.done:
				return "", ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("serial: device hung up: %w", err)
			}
			return "", err
		}
	}
}

func (p *port) close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		// Wake up poll using self-pipe
		unix.Write(p.pipeW, []byte{1})

		// No fd is released while readLine may still poll it
		p.readMu.Lock()
		defer p.readMu.Unlock()
		err = p.file.Close()
		unix.Close(p.pipeR)
		unix.Close(p.pipeW)
	})
	return err
}

// SupportedBaudRates lists the rates accepted by Open, in ascending order.
var SupportedBaudRates = []int{300, 600, 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400}

func baudToUnix(baud int) (uint32, bool) {
	switch baud {
	case 300:
		return unix.B300, true
	case 600:
		return unix.B600, true
	case 1200:
		return unix.B1200, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	default:
		return 0, false
	}
}
