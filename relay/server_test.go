package relay

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozmoi/radar-relay/serial"
)

// fakeSource is an in-memory LineSource. Lines and errors are fed through
// channels; Close unblocks a pending ReadLine like the serial reader does.
type fakeSource struct {
	lines chan string
	errs  chan error

	mu      sync.Mutex
	open    bool
	closed  chan struct{}
	openErr error
	opens   int
	closes  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		lines: make(chan string, 16),
		errs:  make(chan error, 16),
	}
}

func (f *fakeSource) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	if !f.open {
		f.open = true
		f.closed = make(chan struct{})
		f.opens++
	}
	return nil
}

func (f *fakeSource) ReadLine() (string, error) {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return "", serial.ErrClosed
	}
	closed := f.closed
	f.mu.Unlock()

	select {
	case <-closed:
		return "", serial.ErrClosed
	default:
	}
	select {
	case line := <-f.lines:
		return line, nil
	case err := <-f.errs:
		return "", err
	case <-closed:
		return "", serial.ErrClosed
	}
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.open = false
		close(f.closed)
		f.closes++
	}
	return nil
}

func (f *fakeSource) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type testClient struct {
	net.Conn
	r *bufio.Reader
}

func startServer(t *testing.T, src LineSource, max int, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithAdmissionRetry(10 * time.Millisecond)}, opts...)
	s := New(src, opts...)
	require.NoError(t, s.Start("127.0.0.1", 0, max))
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &testClient{Conn: nc, r: bufio.NewReader(nc)}
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Clients() == n }, 2*time.Second, 5*time.Millisecond,
		"expected %d clients, have %d", n, s.Clients())
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (c *testClient) readAck(t *testing.T, timeout time.Duration) error {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, len(Acknowledgment))
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return err
	}
	assert.Equal(t, Acknowledgment, string(buf))
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestServer_BroadcastsLineToEveryClient(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 5)

	clients := []*testClient{dial(t, s), dial(t, s), dial(t, s)}
	waitClients(t, s, 3)

	src.lines <- "30,15."

	for _, c := range clients {
		assert.Equal(t, "30,15\n", c.readLine(t))
	}
}

func TestServer_PreservesLineOrder(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 2)

	c := dial(t, s)
	waitClients(t, s, 1)

	for i := 0; i < 10; i++ {
		src.lines <- strconv.Itoa(i*10) + "," + strconv.Itoa(i)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, strconv.Itoa(i*10)+","+strconv.Itoa(i)+"\n", c.readLine(t))
	}
}

func TestServer_SkipsEmptyLines(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 2)

	c := dial(t, s)
	waitClients(t, s, 1)

	src.lines <- "."
	src.lines <- "1,2"
	assert.Equal(t, "1,2\n", c.readLine(t))
}

func TestServer_EmbeddedLineBreaksStayOnOneLine(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 2)

	c := dial(t, s)
	waitClients(t, s, 1)

	src.lines <- "30,\r\n15."
	src.lines <- "45,20"
	assert.Equal(t, "30,15\n", c.readLine(t))
	assert.Equal(t, "45,20\n", c.readLine(t))
}

func TestServer_BroadcastDropsFailedClientAndReachesOthers(t *testing.T) {
	s := New(newFakeSource())
	reg := NewRegistry(3)

	broken, brokenPeer := pipeConn(t)
	healthy, healthyPeer := pipeConn(t)
	require.True(t, reg.TryAdd(broken))
	require.True(t, reg.TryAdd(healthy))
	require.NoError(t, brokenPeer.Close())

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(healthyPeer).ReadString('\n')
		got <- line
	}()

	s.broadcast(reg, "1,2.")

	select {
	case line := <-got:
		assert.Equal(t, "1,2\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broadcast on healthy client")
	}
	assert.Equal(t, 1, reg.Size())
	assert.False(t, broken.Connected())
	assert.True(t, healthy.Connected())
	assert.Equal(t, []*Conn{healthy}, reg.Snapshot())
}

func TestServer_AcknowledgesClientData(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 2)

	c := dial(t, s)
	waitClients(t, s, 1)

	_, err := c.Write([]byte("radar-app\n"))
	require.NoError(t, err)
	require.NoError(t, c.readAck(t, 2*time.Second))

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, c.readAck(t, 2*time.Second))
}

func TestServer_DisconnectDoesNotAffectOthers(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 5)

	a, b, c := dial(t, s), dial(t, s), dial(t, s)
	waitClients(t, s, 3)

	require.NoError(t, a.Close())
	waitClients(t, s, 2)

	src.lines <- "90,40"
	assert.Equal(t, "90,40\n", b.readLine(t))
	assert.Equal(t, "90,40\n", c.readLine(t))
	assert.Equal(t, 2, s.Clients())
}

func TestServer_AdmissionStallsUntilSlotFrees(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 2)

	a, b := dial(t, s), dial(t, s)
	waitClients(t, s, 2)

	// C completes the TCP handshake through the backlog but is not admitted
	c := dial(t, s)
	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)

	err = c.readAck(t, 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, isTimeout(err), "stalled client must not be closed: %v", err)
	assert.Equal(t, 2, s.Clients())

	src.lines <- "10,10"
	assert.Equal(t, "10,10\n", a.readLine(t))
	assert.Equal(t, "10,10\n", b.readLine(t))

	require.NoError(t, a.Close())
	require.NoError(t, c.readAck(t, 2*time.Second))
	waitClients(t, s, 2)

	src.lines <- "20,20"
	assert.Equal(t, "20,20\n", b.readLine(t))
	assert.Equal(t, "20,20\n", c.readLine(t))
}

func TestServer_AdmissionWaitUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := newFakeSource()
	s := startServer(t, src, 1, WithClock(clock), WithAdmissionRetry(time.Second))

	a := dial(t, s)
	waitClients(t, s, 1)
	clock.BlockUntil(1)

	b := dial(t, s)
	_, err := b.Write([]byte("id"))
	require.NoError(t, err)

	require.NoError(t, a.Close())
	waitClients(t, s, 0)

	// The slot is free but the accept loop is still waiting on the clock
	err = b.readAck(t, 100*time.Millisecond)
	require.True(t, isTimeout(err), "expected timeout, got %v", err)

	clock.Advance(time.Second)
	require.NoError(t, b.readAck(t, 2*time.Second))
	waitClients(t, s, 1)
}

func TestServer_StopClosesEverything(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 3)

	a, b := dial(t, s), dial(t, s)
	waitClients(t, s, 2)
	addr := s.Addr().String()

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, src.isOpen())
	assert.Nil(t, s.Addr())
	assert.Equal(t, 0, s.Clients())

	for _, c := range []*testClient{a, b} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := c.r.ReadByte()
		require.Error(t, err)
		assert.False(t, isTimeout(err), "client socket should be closed: %v", err)
	}

	// Buffered device data is not broadcast after Stop
	src.lines <- "1,1"
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
	assert.Len(t, src.lines, 1)

	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := New(newFakeSource())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	assert.Equal(t, StateStopped, s.State())
}

func TestServer_StartTwice(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 1)

	assert.ErrorIs(t, s.Start("127.0.0.1", 0, 1), ErrAlreadyRunning)
	assert.True(t, s.IsRunning())
	assert.Equal(t, 1, src.opens)
}

func TestServer_StartBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { busy.Close() })
	port := busy.Addr().(*net.TCPAddr).Port

	src := newFakeSource()
	s := New(src)
	err = s.Start("127.0.0.1", port, 2)
	require.ErrorIs(t, err, ErrBind)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 0, src.opens)
}

func TestServer_StartDeviceFailureReleasesListener(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	src := newFakeSource()
	src.openErr = serial.ErrPortUnavailable
	s := New(src)

	err = s.Start("127.0.0.1", port, 2)
	require.ErrorIs(t, err, ErrDevice)
	require.ErrorIs(t, err, serial.ErrPortUnavailable)
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.Addr())

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "listener must be released after a failed start")
	ln.Close()
}

func TestServer_StartRejectsZeroMax(t *testing.T) {
	s := New(newFakeSource())
	assert.Error(t, s.Start("127.0.0.1", 0, 0))
	assert.Equal(t, StateStopped, s.State())
}

func TestServer_RestartAfterStop(t *testing.T) {
	src := newFakeSource()
	s := New(src, WithAdmissionRetry(10*time.Millisecond))

	require.NoError(t, s.Start("127.0.0.1", 0, 2))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start("127.0.0.1", 0, 2))
	t.Cleanup(func() { s.Stop() })

	c := dial(t, s)
	waitClients(t, s, 1)
	src.lines <- "5,6"
	assert.Equal(t, "5,6\n", c.readLine(t))
	assert.Equal(t, 2, src.opens)
}

func TestServer_ReadErrorsAreTransient(t *testing.T) {
	src := newFakeSource()
	s := startServer(t, src, 2)

	c := dial(t, s)
	waitClients(t, s, 1)

	src.errs <- errors.New("framing error")
	src.errs <- serial.ErrLineTooLong
	require.Eventually(t, func() bool { return len(src.errs) == 0 }, time.Second, 5*time.Millisecond)

	src.lines <- "7,8"
	assert.Equal(t, "7,8\n", c.readLine(t))
	assert.True(t, s.IsRunning())
}

func TestServer_DebugOnlyChangesLogging(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	log := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	src := newFakeSource()
	s := startServer(t, src, 1, WithLogger(log))

	c := dial(t, s)
	waitClients(t, s, 1)

	src.lines <- "45,7."
	assert.Equal(t, "45,7\n", c.readLine(t))

	s.SetDebug(true)
	assert.True(t, s.Debug())
	src.lines <- "45,7."
	assert.Equal(t, "45,7\n", c.readLine(t))
	assert.Equal(t, 1, s.Clients())

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	assert.Contains(t, out, "telemetry reading")
	assert.Contains(t, out, "angle=45")
}

func TestServer_ListenerFailureStopsServer(t *testing.T) {
	src := newFakeSource()
	s := New(src, WithAdmissionRetry(10*time.Millisecond))
	require.NoError(t, s.Start("127.0.0.1", 0, 2))

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	require.NoError(t, ln.Close())

	require.Eventually(t, func() bool { return s.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, src.isOpen())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
