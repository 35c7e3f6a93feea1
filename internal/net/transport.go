package net

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// maxLine bounds one protocol line. Longer input is cut here and the
	// remainder becomes the next line, which then fails token matching.
	maxLine = 256

	writeTimeout      = 10 * time.Second
	bestEffortTimeout = 100 * time.Millisecond
)

var (
	// ErrTimeout is returned by ReadLine when no line arrived in time.
	ErrTimeout = errors.New("read timeout")
	// ErrClosed is returned when writing to a closed transport.
	ErrClosed = errors.New("transport closed")
)

// DetachedHandle marks a player slot or identity record with no live
// transport.
const DetachedHandle int64 = -1

// Transport wraps one client connection. A dedicated reader goroutine
// feeds completed lines into a channel; whichever task currently owns the
// read side (session driver or match engine) receives from it. Writes are
// synchronous and serialized by a mutex.
type Transport struct {
	id   int64
	conn net.Conn

	wmu   sync.Mutex
	lines chan string

	readErr   error // valid once lines is closed
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

// NewTransport wraps conn and starts its reader goroutine.
func NewTransport(conn net.Conn, id int64, log *zap.Logger) *Transport {
	t := &Transport{
		id:      id,
		conn:    conn,
		lines:   make(chan string, 32),
		closeCh: make(chan struct{}),
		log:     log.With(zap.Int64("conn", id)),
	}
	go t.readLoop()
	return t
}

// Handle returns the transport's process-wide identifier.
func (t *Transport) Handle() int64 { return t.id }

// RemoteAddr returns the peer address for logging.
func (t *Transport) RemoteAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.RemoteAddr().String()
}

// readLoop reads bytes until '\n' (or buffer exhaustion) and delivers the
// trimmed line. It exits on the first read error and records it.
func (t *Transport) readLoop() {
	r := bufio.NewReaderSize(t.conn, maxLine)
	for {
		line, err := t.readOne(r)
		if line != "" || err == nil {
			select {
			case t.lines <- line:
			case <-t.closeCh:
				close(t.lines)
				return
			}
		}
		if err != nil {
			t.readErr = err
			close(t.lines)
			return
		}
	}
}

// readOne consumes one line, byte at a time, up to maxLine-1 bytes.
func (t *Transport) readOne(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for b.Len() < maxLine-1 {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return trimLine(b.String()), io.EOF
			}
			return "", err
		}
		if c == '\n' {
			return trimLine(b.String()), nil
		}
		b.WriteByte(c)
	}
	return trimLine(b.String()), nil
}

func trimLine(s string) string {
	return strings.TrimRight(s, "\r\n")
}

// ReadLine waits up to timeout for one complete line.
// Returns ErrTimeout, the underlying read error, or io.EOF on peer close.
func (t *Transport) ReadLine(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", t.readError()
		}
		return line, nil
	case <-timer.C:
		return "", ErrTimeout
	}
}

// TryReadLine is the non-blocking readiness probe: it returns a line only
// if one is already buffered. ok is false when nothing is pending; err is
// non-nil once the read side is dead.
func (t *Transport) TryReadLine() (line string, ok bool, err error) {
	select {
	case line, open := <-t.lines:
		if !open {
			return "", false, t.readError()
		}
		return line, true, nil
	default:
		return "", false, nil
	}
}

// Lines exposes the raw line channel for select-driven readers (the match
// engine waits on two transports at once). A closed channel means the read
// side is dead; consult ReadError then.
func (t *Transport) Lines() <-chan string { return t.lines }

// ReadError reports why the read side died. Defined only after Lines is
// closed.
func (t *Transport) ReadError() error { return t.readError() }

func (t *Transport) readError() error {
	if t.readErr == nil {
		return io.EOF
	}
	return t.readErr
}

// WriteLine sends one protocol line, appending the terminator. The write
// deadline bounds a stalled peer; partial writes are completed by the
// runtime before returning.
func (t *Transport) WriteLine(line string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.conn.Write(append([]byte(line), '\n'))
	return err
}

// TrySend is the best-effort variant used by the shutdown broadcast: a
// very short deadline, errors dropped.
func (t *Transport) TrySend(line string) {
	if t.closed.Load() {
		return
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(bestEffortTimeout))
	t.conn.Write(append([]byte(line), '\n'))
}

// Close shuts the connection down. Idempotent; unblocks the reader
// goroutine and any pending ReadLine.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.closeCh)
		t.conn.Close()
	})
}

// Closed reports whether Close has run.
func (t *Transport) Closed() bool { return t.closed.Load() }
