// Package game owns the lobby pool and the per-lobby match engine: deck,
// turn sequencing, timeouts, disconnect windows and forced outcomes.
package game

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	gonet "github.com/c45bj/server/internal/net"
	"github.com/c45bj/server/internal/proto"
	"github.com/c45bj/server/internal/registry"
	"go.uber.org/zap"
)

// LobbySize is the fixed seat count per lobby.
const LobbySize = 2

var (
	// ErrLobbyFull means both seats are taken.
	ErrLobbyFull = errors.New("lobby full")
	// ErrBadLobby means the lobby index is out of range.
	ErrBadLobby = errors.New("invalid lobby index")
)

// Slot is one seat in a lobby. All fields are guarded by the lobby mutex.
type Slot struct {
	Name      string
	Hand      []Card
	Connected bool
	Tr        *gonet.Transport // nil while detached
	Stood     bool
	Busted    bool
}

func (s *Slot) clear() {
	s.Name = ""
	s.Hand = nil
	s.Connected = false
	s.Tr = nil
	s.Stood = false
	s.Busted = false
}

// Lobby is a two-seat container owning a deck and a match lifecycle.
// Lobbies live for the lifetime of the server.
type Lobby struct {
	mu      sync.Mutex
	index   int // 0-based
	slots   [LobbySize]Slot
	count   int
	running bool
	deck    *Deck
}

// MatchRecord is the outcome of one finished match. Busted players carry
// the sentinel value -1.
type MatchRecord struct {
	Lobby      int // 1-based
	Name1      string
	Value1     int
	Name2      string
	Value2     int
	Winner     string // a player name or "PUSH"
	Forced     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists finished matches. Implementations must tolerate being
// called from multiple match goroutines.
type Recorder interface {
	RecordMatch(ctx context.Context, rec *MatchRecord) error
}

// Hooks receives match lifecycle callbacks (Lua scripting).
type Hooks interface {
	OnPlayerJoin(name string, lobby int)
	OnMatchStart(lobby int, name1, name2 string)
	OnMatchEnd(rec *MatchRecord)
}

// Manager owns the lobby pool. Sessions reach matches through lobby
// indexes, never through task handles.
type Manager struct {
	lobbies  []*Lobby
	reg      *registry.Registry
	recorder Recorder // optional
	hooks    Hooks    // optional
	stop     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

// NewManager creates count lobbies, each with its own shuffled deck.
// recorder and hooks may be nil.
func NewManager(count int, reg *registry.Registry, recorder Recorder, hooks Hooks, log *zap.Logger) *Manager {
	m := &Manager{
		lobbies:  make([]*Lobby, count),
		reg:      reg,
		recorder: recorder,
		hooks:    hooks,
		stop:     make(chan struct{}),
		log:      log,
	}
	for i := range m.lobbies {
		m.lobbies[i] = &Lobby{
			index: i,
			deck:  NewDeck(rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))),
		}
	}
	return m
}

// Count returns the number of lobbies.
func (m *Manager) Count() int { return len(m.lobbies) }

// Stop aborts all match loops promptly during shutdown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) lobby(index int) (*Lobby, bool) {
	if index < 0 || index >= len(m.lobbies) {
		return nil, false
	}
	return m.lobbies[index], true
}

// TryAddPlayer seats the name in the first empty slot of the lobby.
func (m *Manager) TryAddPlayer(index int, name string) error {
	l, ok := m.lobby(index)
	if !ok {
		return ErrBadLobby
	}
	l.mu.Lock()
	if l.count >= LobbySize {
		l.mu.Unlock()
		return ErrLobbyFull
	}
	seated := false
	for i := range l.slots {
		if !l.slots[i].Connected {
			l.slots[i].clear()
			l.slots[i].Name = name
			l.slots[i].Connected = true
			l.count++
			seated = true
			break
		}
	}
	l.mu.Unlock()
	if !seated {
		return ErrLobbyFull
	}
	m.log.Info("玩家加入大廳",
		zap.String("name", name), zap.Int("lobby", index+1))
	if m.hooks != nil {
		m.hooks.OnPlayerJoin(name, index+1)
	}
	return nil
}

// AttachTransport binds the named slot to a transport. Used on initial
// join and on reconnect resumption.
func (m *Manager) AttachTransport(index int, name string, tr *gonet.Transport) bool {
	l, ok := m.lobby(index)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.slots {
		if l.slots[i].Connected && l.slots[i].Name == name {
			l.slots[i].Tr = tr
			return true
		}
	}
	return false
}

// TryResume reattaches a transport to a running match whose named slot is
// currently detached. Returns false when the lobby is not running, the
// name is absent, or the slot still has a live transport.
func (m *Manager) TryResume(index int, name string, tr *gonet.Transport) bool {
	l, ok := m.lobby(index)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}
	for i := range l.slots {
		s := &l.slots[i]
		if s.Connected && s.Tr == nil && s.Name == name {
			s.Tr = tr
			return true
		}
	}
	return false
}

// TakeOverSeat replaces the transport of a seated player in a lobby that
// is not running (the waiting phase). The previous transport, if any, is
// closed.
func (m *Manager) TakeOverSeat(index int, name string, tr *gonet.Transport) bool {
	l, ok := m.lobby(index)
	if !ok {
		return false
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return false
	}
	var old *gonet.Transport
	taken := false
	for i := range l.slots {
		s := &l.slots[i]
		if s.Connected && s.Name == name {
			old = s.Tr
			s.Tr = tr
			taken = true
			break
		}
	}
	l.mu.Unlock()
	if taken && old != nil && old != tr {
		old.Close()
	}
	return taken
}

// RemoveByName clears the named seat wherever it is.
func (m *Manager) RemoveByName(name string) {
	for _, l := range m.lobbies {
		l.mu.Lock()
		for i := range l.slots {
			s := &l.slots[i]
			if s.Connected && s.Name == name {
				s.clear()
				l.count--
				l.mu.Unlock()
				m.log.Info("玩家離開大廳",
					zap.String("name", name), zap.Int("lobby", l.index+1))
				return
			}
		}
		l.mu.Unlock()
	}
}

// RemoveByNameIfTransport clears the seat only while it is still bound to
// the given transport handle, so a stale session cannot evict a successor.
// Running lobbies are skipped entirely: during a match the engine owns the
// seat lifecycle and clears it at resolution.
func (m *Manager) RemoveByNameIfTransport(name string, handle int64) {
	for _, l := range m.lobbies {
		l.mu.Lock()
		for i := range l.slots {
			s := &l.slots[i]
			if s.Connected && s.Name == name {
				if !l.running && s.Tr != nil && s.Tr.Handle() == handle {
					s.clear()
					l.count--
				}
				l.mu.Unlock()
				return
			}
		}
		l.mu.Unlock()
	}
}

// NameSeated reports the 0-based lobby index holding the name.
func (m *Manager) NameSeated(name string) (int, bool) {
	for _, l := range m.lobbies {
		l.mu.Lock()
		for i := range l.slots {
			if l.slots[i].Connected && l.slots[i].Name == name {
				l.mu.Unlock()
				return l.index, true
			}
		}
		l.mu.Unlock()
	}
	return 0, false
}

// Running reports the lobby's match flag.
func (m *Manager) Running(index int) bool {
	l, ok := m.lobby(index)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// StartIfReady launches the match task when the lobby is full and no
// match runs yet. Idempotent: at most one match task per lobby.
func (m *Manager) StartIfReady(index int) {
	l, ok := m.lobby(index)
	if !ok {
		return
	}
	l.mu.Lock()
	start := !l.running && l.count == LobbySize
	if start {
		l.running = true
	}
	l.mu.Unlock()
	if start {
		go m.runMatch(l)
	}
}

// Snapshot renders the current lobby table as one C45L line.
func (m *Manager) Snapshot() string {
	infos := make([]proto.LobbyInfo, len(m.lobbies))
	for i, l := range m.lobbies {
		l.mu.Lock()
		infos[i] = proto.LobbyInfo{Players: l.count, Running: l.running}
		l.mu.Unlock()
	}
	return proto.BuildSnapshot(infos)
}

// slotView copies slot fields under the lobby mutex.
func (l *Lobby) slotView(i int) Slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[i]
	s.Hand = append([]Card(nil), s.Hand...)
	return s
}

// slotTransport reads the slot's transport under the lobby mutex.
func (l *Lobby) slotTransport(i int) *gonet.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[i].Tr
}

// releaseSlotTransport forgets the slot's transport without closing it.
// Used for back-to-lobby requests, where the connection lives on and the
// session driver keeps it.
func (l *Lobby) releaseSlotTransport(i int) {
	l.mu.Lock()
	l.slots[i].Tr = nil
	l.mu.Unlock()
}

// detachSlot closes and forgets the slot's transport.
func (l *Lobby) detachSlot(i int) {
	l.mu.Lock()
	tr := l.slots[i].Tr
	l.slots[i].Tr = nil
	l.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}
