package net

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPipeTransport(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	tr := NewTransport(server, 1, zap.NewNop())
	t.Cleanup(func() {
		tr.Close()
		client.Close()
	})
	return tr, client
}

func TestReadLineFraming(t *testing.T) {
	tr, client := newPipeTransport(t)

	go client.Write([]byte("C45alice\r\nC45J 2\n"))

	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "C45alice", line)

	line, err = tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "C45J 2", line)
}

func TestReadLineTimeout(t *testing.T) {
	tr, _ := newPipeTransport(t)

	_, err := tr.ReadLine(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadLinePeerClose(t *testing.T) {
	tr, client := newPipeTransport(t)

	go func() {
		client.Write([]byte("partial"))
		client.Close()
	}()

	// the unterminated tail is still delivered before EOF
	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "partial", line)

	_, err = tr.ReadLine(time.Second)
	assert.ErrorIs(t, err, io.EOF)
}

func TestTryReadLine(t *testing.T) {
	tr, client := newPipeTransport(t)

	_, ok, err := tr.TryReadLine()
	require.NoError(t, err)
	assert.False(t, ok)

	go client.Write([]byte("C45PI\n"))

	assert.Eventually(t, func() bool {
		line, ok, err := tr.TryReadLine()
		return err == nil && ok && line == "C45PI"
	}, time.Second, 5*time.Millisecond)
}

func TestOverlongLineIsSplit(t *testing.T) {
	tr, client := newPipeTransport(t)

	big := make([]byte, maxLine+40)
	for i := range big {
		big[i] = 'a'
	}
	go client.Write(append(big, '\n'))

	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Len(t, line, maxLine-1)

	line, err = tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Len(t, line, len(big)-(maxLine-1))
}

func TestWriteLineAppendsTerminator(t *testing.T) {
	tr, client := newPipeTransport(t)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.WriteLine("C45OK") }()

	r := bufio.NewReader(client)
	got, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "C45OK\n", got)
	require.NoError(t, <-errCh)
}

func TestWriteAfterClose(t *testing.T) {
	tr, _ := newPipeTransport(t)
	tr.Close()
	tr.Close() // idempotent

	assert.True(t, tr.Closed())
	assert.ErrorIs(t, tr.WriteLine("C45OK"), ErrClosed)
	tr.TrySend("C45DOWN SHUTDOWN") // must not panic
}
