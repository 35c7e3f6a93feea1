package game

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	gonet "github.com/c45bj/server/internal/net"
	"github.com/c45bj/server/internal/proto"
	"github.com/c45bj/server/internal/registry"
)

// client is the test-side end of a pipe. A pump goroutine drains the
// connection so the engine's synchronous writes never block on the test.
type client struct {
	conn  net.Conn
	lines chan string
}

func newClient(conn net.Conn) *client {
	c := &client{conn: conn, lines: make(chan string, 64)}
	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(c.lines)
				return
			}
			c.lines <- strings.TrimRight(line, "\r\n")
		}
	}()
	return c
}

func (c *client) read(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-c.lines:
		require.True(t, ok, "connection closed while waiting for a line")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *client) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection still open")
		}
	}
}

type captureRecorder struct {
	ch chan *MatchRecord
}

func (c *captureRecorder) RecordMatch(_ context.Context, rec *MatchRecord) error {
	c.ch <- rec
	return nil
}

func (c *captureRecorder) wait(t *testing.T) *MatchRecord {
	t.Helper()
	select {
	case rec := <-c.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no match record arrived")
		return nil
	}
}

type matchFixture struct {
	m          *Manager
	reg        *registry.Registry
	rec        *captureRecorder
	alice, bob *client
	trA, trB   *gonet.Transport
}

// startMatch seats alice (slot 0) and bob (slot 1) in lobby 1, starts the
// match and consumes both private deal lines.
func startMatch(t *testing.T) *matchFixture {
	t.Helper()
	f := &matchFixture{
		reg: registry.New(),
		rec: &captureRecorder{ch: make(chan *MatchRecord, 1)},
	}
	f.m = NewManager(1, f.reg, f.rec, nil, zap.NewNop())
	t.Cleanup(f.m.Stop)

	seat := func(name string, id int64) (*client, *gonet.Transport) {
		server, conn := net.Pipe()
		tr := gonet.NewTransport(server, id, zap.NewNop())
		t.Cleanup(func() {
			tr.Close()
			conn.Close()
		})
		_, err := f.reg.ReserveFresh(name, id)
		require.NoError(t, err)
		require.NoError(t, f.m.TryAddPlayer(0, name))
		require.True(t, f.m.AttachTransport(0, name, tr))
		return newClient(conn), tr
	}
	f.alice, f.trA = seat("alice", 1)
	f.bob, f.trB = seat("bob", 2)

	f.m.StartIfReady(0)
	require.True(t, proto.MatchToken(f.alice.read(t), proto.TokDeal))
	require.True(t, proto.MatchToken(f.bob.read(t), proto.TokDeal))
	return f
}

// expectTurn asserts the next line on both clients announces name's turn.
func (f *matchFixture) expectTurn(t *testing.T, name string) {
	t.Helper()
	want := proto.TokTurn + " " + name + " 30"
	assert.Equal(t, want, f.alice.read(t))
	assert.Equal(t, want, f.bob.read(t))
}

// parseResult splits "C45R <n1> <v1> <n2> <v2> WINNER <w>".
func parseResult(t *testing.T, line string) (v1, v2 int, winner string) {
	t.Helper()
	fields := strings.Fields(line)
	require.Len(t, fields, 7, "result line %q", line)
	require.Equal(t, proto.TokResult, fields[0])
	require.Equal(t, "alice", fields[1])
	require.Equal(t, "bob", fields[3])
	require.Equal(t, "WINNER", fields[5])
	var err error
	v1, err = strconv.Atoi(fields[2])
	require.NoError(t, err)
	v2, err = strconv.Atoi(fields[4])
	require.NoError(t, err)
	return v1, v2, fields[6]
}

func TestMatchBothStand(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")

	// at most one match task per lobby
	f.m.StartIfReady(0)

	// mid-match the engine owns the seats; a session cleanup is a no-op
	f.m.RemoveByNameIfTransport("alice", f.trA.Handle())
	_, seated := f.m.NameSeated("alice")
	assert.True(t, seated)

	f.alice.send(t, "C45S")
	f.expectTurn(t, "bob")
	f.bob.send(t, "C45S")

	v1, v2, winner := parseResult(t, f.alice.read(t))
	assert.Equal(t, f.bob.read(t), proto.TokResult+" alice "+strconv.Itoa(v1)+" bob "+strconv.Itoa(v2)+" WINNER "+winner)

	assert.GreaterOrEqual(t, v1, 4)
	assert.LessOrEqual(t, v1, 21)
	switch {
	case v1 > v2:
		assert.Equal(t, "alice", winner)
	case v2 > v1:
		assert.Equal(t, "bob", winner)
	default:
		assert.Equal(t, "PUSH", winner)
	}

	rec := f.rec.wait(t)
	assert.Equal(t, 1, rec.Lobby)
	assert.Equal(t, winner, rec.Winner)
	assert.False(t, rec.Forced)

	// the lobby is free again
	assert.Equal(t, "C45L 1 00", f.m.Snapshot())
	assert.False(t, f.m.Running(0))
}

func TestMatchHit(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")
	f.alice.send(t, "C45H")

	line := f.alice.read(t)
	require.True(t, proto.MatchToken(line, proto.TokCard), "got %q", line)

	// a bust is reported privately before the turn passes
	busted := false
	line = f.alice.read(t)
	if proto.MatchToken(line, proto.TokBust) {
		busted = true
		line = f.alice.read(t)
	}
	assert.Equal(t, proto.TokTurn+" bob 30", line)
	assert.Equal(t, proto.TokTurn+" bob 30", f.bob.read(t))

	f.bob.send(t, "C45S")

	if !busted {
		// alice neither stood nor busted, so the turn comes back
		f.expectTurn(t, "alice")
		f.alice.send(t, "C45S")
	}

	v1, _, _ := parseResult(t, f.alice.read(t))
	f.bob.read(t) // same result line
	if busted {
		assert.Equal(t, -1, v1)
		assert.Equal(t, "bob", f.rec.wait(t).Winner)
	} else {
		f.rec.wait(t)
	}
}

func TestOutOfTurnCommandForfeits(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")
	f.bob.send(t, "C45H")

	_, _, winner := parseResult(t, f.alice.read(t))
	assert.Equal(t, "alice", winner)
	assert.True(t, f.rec.wait(t).Forced)

	// the violator's transport is closed, no result for it
	f.bob.expectClosed(t)
}

func TestBackRequestByNonActive(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")
	f.bob.send(t, "C45B")

	_, _, winner := parseResult(t, f.alice.read(t))
	assert.Equal(t, "alice", winner)
	assert.True(t, f.rec.wait(t).Forced)

	// bob's connection survives; his session takes it back to the lobby
	assert.False(t, f.trB.Closed())
	assert.True(t, f.reg.TakeBack("bob", f.trB.Handle()))
}

func TestBackRequestByActive(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")
	f.alice.send(t, "C45B")

	_, _, winner := parseResult(t, f.alice.read(t))
	assert.Equal(t, "bob", winner)
	assert.Equal(t, "bob", f.rec.wait(t).Winner)
	assert.True(t, f.reg.TakeBack("alice", f.trA.Handle()))
	assert.False(t, f.trA.Closed())
}

func TestReconnectResumesTurn(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")
	f.alice.conn.Close()

	assert.Equal(t, proto.TokOppDown+" alice 30", f.bob.read(t))

	// a fresh handshake reattaches the seat
	server, conn := net.Pipe()
	tr2 := gonet.NewTransport(server, 9, zap.NewNop())
	t.Cleanup(func() {
		tr2.Close()
		conn.Close()
	})
	alice2 := newClient(conn)
	require.True(t, f.m.TryResume(0, "alice", tr2))

	// hand replay to the rejoiner, opponent-back notice to the survivor
	require.True(t, proto.MatchToken(alice2.read(t), proto.TokDeal))
	assert.Equal(t, proto.TokOppBack+" alice", f.bob.read(t))

	// the interrupted turn restarts
	want := proto.TokTurn + " alice 30"
	assert.Equal(t, want, alice2.read(t))
	assert.Equal(t, want, f.bob.read(t))

	alice2.send(t, "C45S")
	f.expectTurnOn(t, alice2, f.bob, "bob")
	f.bob.send(t, "C45S")

	v1, v2, winner := parseResult(t, alice2.read(t))
	f.bob.read(t)
	rec := f.rec.wait(t)
	assert.False(t, rec.Forced)
	assert.Equal(t, winner, rec.Winner)
	assert.Equal(t, v1, rec.Value1)
	assert.Equal(t, v2, rec.Value2)
}

// expectTurnOn is expectTurn against explicit clients (post-reconnect).
func (f *matchFixture) expectTurnOn(t *testing.T, a, b *client, name string) {
	t.Helper()
	want := proto.TokTurn + " " + name + " 30"
	assert.Equal(t, want, a.read(t))
	assert.Equal(t, want, b.read(t))
}

func TestSurvivorBackDuringReconnectWindow(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")
	f.alice.conn.Close()
	assert.Equal(t, proto.TokOppDown+" alice 30", f.bob.read(t))

	// leaving while the opponent might return forfeits the match
	f.bob.send(t, "C45B")

	_, _, winner := parseResult(t, f.bob.read(t))
	assert.Equal(t, "alice", winner)
	rec := f.rec.wait(t)
	assert.True(t, rec.Forced)
	assert.Equal(t, "alice", rec.Winner)
	assert.True(t, f.reg.TakeBack("bob", f.trB.Handle()))
}

func TestBothDownEndsMatch(t *testing.T) {
	f := startMatch(t)

	f.expectTurn(t, "alice")
	f.alice.conn.Close()
	assert.Equal(t, proto.TokOppDown+" alice 30", f.bob.read(t))
	f.bob.conn.Close()

	// no forced winner: the result is decided on the dealt hands
	rec := f.rec.wait(t)
	assert.False(t, rec.Forced)
	assert.Equal(t, "C45L 1 00", f.m.Snapshot())
}
