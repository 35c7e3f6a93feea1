// Package session drives one client connection through the protocol state
// machine: handshake, identity, lobby selection, the waiting phase, and
// post-match disposition. During a match the engine in package game owns
// the transport; the session only watches the lobby flags until the match
// hands the wire back.
package session

import (
	"time"

	"github.com/c45bj/server/internal/game"
	gonet "github.com/c45bj/server/internal/net"
	"github.com/c45bj/server/internal/proto"
	"github.com/c45bj/server/internal/registry"
	"go.uber.org/zap"
)

const (
	// handshakeTimeout is the total tolerance for the first meaningful
	// line; also the idle limit in the line-driven states.
	handshakeTimeout = 120 * time.Second

	// waitingInterval is the cadence of the waiting-phase notice.
	waitingInterval = 5 * time.Second

	lobbyPoll  = 100 * time.Millisecond
	memberPoll = 10 * time.Millisecond

	// reconnect grace: the old match turn may not have detached the dead
	// transport yet when the replacement connection arrives.
	recAttempts = 5
	recDelay    = 400 * time.Millisecond
)

type state int

const (
	stClassify state = iota
	stLobby          // lobby selection loop
	stWaiting        // seated, waiting for the match to start
	stInMatch        // engine owns the wire
	stAfter          // post-match disposition
	stClose
)

// Session is one connection's driver.
type Session struct {
	tr      *gonet.Transport
	reg     *registry.Registry
	lobbies *game.Manager
	conns   *gonet.ConnSet
	log     *zap.Logger

	name     string
	token    uint64
	lobbyIdx int // 0-based, valid in stWaiting/stInMatch
}

// New builds a driver for an accepted transport.
func New(tr *gonet.Transport, reg *registry.Registry, lobbies *game.Manager, conns *gonet.ConnSet, log *zap.Logger) *Session {
	return &Session{
		tr:       tr,
		reg:      reg,
		lobbies:  lobbies,
		conns:    conns,
		log:      log.With(zap.Int64("conn", tr.Handle()), zap.String("addr", tr.RemoteAddr())),
		lobbyIdx: -1,
	}
}

// Run owns the connection until it ends. Always cleans up the identity
// record, the lobby seat and the connection set entry on the way out.
func (s *Session) Run() {
	defer s.cleanup()

	st := s.handshake()
	for st != stClose {
		switch st {
		case stLobby:
			st = s.lobbyLoop()
		case stWaiting:
			st = s.waitStart()
		case stInMatch:
			st = s.waitMatchEnd()
		case stAfter:
			st = s.afterMatch()
		default:
			st = stClose
		}
	}
}

func (s *Session) cleanup() {
	if s.name != "" {
		s.reg.RemoveIfToken(s.name, s.token)
		s.lobbies.RemoveByNameIfTransport(s.name, s.tr.Handle())
	}
	s.conns.Remove(s.tr.Handle())
	s.tr.Close()
	s.log.Info("玩家離線", zap.String("name", s.name))
}

// wrong emits a protocol error. reason may be empty.
func (s *Session) wrong(reason string) {
	line := proto.TokWrong
	if reason != "" {
		line += " " + reason
	}
	s.tr.WriteLine(line)
}

func (s *Session) sendSnapshot() bool {
	return s.tr.WriteLine(s.lobbies.Snapshot()) == nil
}

// handshake covers the first read and its classification: a reconnect
// request, a fresh name, or garbage.
func (s *Session) handshake() state {
	deadline := time.Now().Add(handshakeTimeout)
	var line string
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return stClose
		}
		l, err := s.tr.ReadLine(remain)
		if err != nil {
			return stClose
		}
		switch {
		case proto.MatchToken(l, proto.TokPing):
			if s.tr.WriteLine(proto.TokPong) != nil {
				return stClose
			}
		case proto.MatchToken(l, proto.TokPong):
			// ignore
		default:
			line = l
		}
		if line != "" {
			break
		}
	}

	if proto.MatchToken(line, proto.TokRec) {
		name, hint, ok := proto.ParseRec(line)
		if !ok {
			s.wrong("BAD_REQUEST")
			return stClose
		}
		return s.reconnect(registry.Normalize(name), hint)
	}

	name, ok := proto.ParseName(line)
	if !ok {
		s.wrong("BAD_NAME")
		return stClose
	}
	return s.freshLogin(registry.Normalize(name))
}

// freshLogin reserves the name exclusively. Collisions with a live
// record or an occupied seat are fatal for this connection.
func (s *Session) freshLogin(name string) state {
	if _, seated := s.lobbies.NameSeated(name); seated || s.reg.Has(name) {
		s.wrong("NAME_TAKEN")
		return stClose
	}
	token, err := s.reg.ReserveFresh(name, s.tr.Handle())
	if err != nil {
		if err == registry.ErrFull {
			s.wrong("FULL")
		} else {
			s.wrong("NAME_TAKEN")
		}
		return stClose
	}
	s.name, s.token = name, token
	s.log.Info("玩家登入", zap.String("name", name))
	if s.tr.WriteLine(proto.TokOK) != nil || !s.sendSnapshot() {
		return stClose
	}
	return stLobby
}

// reconnect resolves a C45REC handshake against the lobby pool, with a
// short grace window for the match engine to detach the dead transport.
func (s *Session) reconnect(name string, hint int) state {
	count := s.lobbies.Count()
	candidates := make([]int, 0, count)
	if hint >= 1 && hint <= count {
		candidates = append(candidates, hint-1)
	}
	for i := 0; i < count; i++ {
		if len(candidates) > 0 && i == candidates[0] {
			continue
		}
		candidates = append(candidates, i)
	}

	for attempt := 0; attempt < recAttempts; attempt++ {
		for _, idx := range candidates {
			if !s.lobbies.TryResume(idx, name, s.tr) {
				continue
			}
			token, err := s.reg.Register(name, s.tr.Handle())
			if err != nil {
				s.wrong("FULL")
				return stClose
			}
			s.name, s.token, s.lobbyIdx = name, token, idx
			s.log.Info("玩家重連至牌局",
				zap.String("name", name), zap.Int("lobby", idx+1))
			if s.tr.WriteLine(proto.TokRecOK) != nil {
				return stClose
			}
			return stInMatch
		}

		idx, seated := s.lobbies.NameSeated(name)
		if !seated {
			// nothing to resume: fall back to a fresh login flow,
			// re-registering over any stale record
			token, err := s.reg.Register(name, s.tr.Handle())
			if err != nil {
				s.wrong("FULL")
				return stClose
			}
			s.name, s.token = name, token
			s.log.Info("重連回退為新登入", zap.String("name", name))
			if s.tr.WriteLine(proto.TokOK) != nil || !s.sendSnapshot() {
				return stClose
			}
			return stLobby
		}

		if !s.lobbies.Running(idx) && s.lobbies.TakeOverSeat(idx, name, s.tr) {
			token, err := s.reg.Register(name, s.tr.Handle())
			if err != nil {
				s.wrong("FULL")
				return stClose
			}
			s.name, s.token, s.lobbyIdx = name, token, idx
			s.log.Info("玩家重連至等待座位",
				zap.String("name", name), zap.Int("lobby", idx+1))
			if s.tr.WriteLine(proto.TokRecOK) != nil {
				return stClose
			}
			s.lobbies.StartIfReady(idx)
			return stWaiting
		}

		// seated but not reachable yet: the old transport may still be
		// attached for a few more ticks
		time.Sleep(recDelay)
	}

	// the seat never freed up; the client must retry
	s.log.Info("重連失敗", zap.String("name", name), zap.Int("hint", hint))
	return stClose
}

// lobbyLoop is the selection state: snapshot refreshes and join requests.
func (s *Session) lobbyLoop() state {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return stClose
		}
		line, err := s.tr.ReadLine(remain)
		if err != nil {
			return stClose
		}
		deadline = time.Now().Add(handshakeTimeout)

		if proto.MatchToken(line, proto.TokPing) {
			if s.tr.WriteLine(proto.TokPong) != nil {
				return stClose
			}
			continue
		}
		if proto.MatchToken(line, proto.TokPong) || proto.MatchToken(line, proto.TokYes) {
			continue
		}
		if n, ok := proto.ParseJoin(line); ok {
			next, stay := s.tryJoin(n)
			if !stay {
				return next
			}
			continue
		}
		if proto.ClassifyBack(line, s.name) == proto.BackSelf {
			if !s.sendSnapshot() {
				return stClose
			}
			continue
		}
		if lname, n, ok := proto.ParseLegacyJoin(line); ok {
			if registry.Normalize(lname) != s.name {
				s.wrong("BAD_NAME")
				return stClose
			}
			next, stay := s.tryJoin(n)
			if !stay {
				return next
			}
			continue
		}
		s.wrong("BAD_REQUEST")
		return stClose
	}
}

// tryJoin applies one join request. stay=true keeps the session in the
// selection loop (range errors and full lobbies are not fatal).
func (s *Session) tryJoin(lobby int) (next state, stay bool) {
	if lobby < 1 || lobby > s.lobbies.Count() {
		s.wrong("BAD_LOBBY")
		return stLobby, true
	}
	idx := lobby - 1
	err := s.lobbies.TryAddPlayer(idx, s.name)
	if err != nil {
		s.wrong("LOBBY_FULL")
		return stLobby, true
	}
	s.lobbies.AttachTransport(idx, s.name, s.tr)
	if s.tr.WriteLine(proto.TokOK) != nil {
		s.lobbies.RemoveByName(s.name)
		return stClose, false
	}
	s.lobbyIdx = idx
	s.lobbies.StartIfReady(idx)
	return stWaiting, false
}

// waitStart holds a seated player until the lobby fills. The transport is
// only probed, never blocked on, so the moment the match starts the engine
// finds the line channel untouched.
func (s *Session) waitStart() state {
	lastNotice := time.Now()
	for {
		if s.tr.Closed() {
			s.lobbies.RemoveByNameIfTransport(s.name, s.tr.Handle())
			return stClose
		}
		if s.lobbies.Running(s.lobbyIdx) {
			return stInMatch
		}

		line, ok, err := s.tr.TryReadLine()
		if err != nil {
			s.lobbies.RemoveByNameIfTransport(s.name, s.tr.Handle())
			return stClose
		}
		if ok {
			switch {
			case proto.MatchToken(line, proto.TokPing):
				if s.tr.WriteLine(proto.TokPong) != nil {
					s.lobbies.RemoveByNameIfTransport(s.name, s.tr.Handle())
					return stClose
				}
			case proto.MatchToken(line, proto.TokPong),
				proto.MatchToken(line, proto.TokYes):
				// ignore
			case proto.ClassifyBack(line, s.name) == proto.BackSelf:
				s.lobbies.RemoveByName(s.name)
				s.lobbyIdx = -1
				if !s.sendSnapshot() {
					return stClose
				}
				return stLobby
			default:
				s.wrong("BAD_REQUEST")
				s.lobbies.RemoveByName(s.name)
				return stClose
			}
			continue
		}

		if time.Since(lastNotice) >= waitingInterval {
			lastNotice = time.Now()
			if s.tr.WriteLine(proto.TokWaiting) != nil {
				s.lobbies.RemoveByNameIfTransport(s.name, s.tr.Handle())
				return stClose
			}
		}
		time.Sleep(lobbyPoll)
	}
}

// waitMatchEnd parks the session while the match engine owns the wire:
// first until running drops, then until the engine has cleared the seat.
func (s *Session) waitMatchEnd() state {
	for s.lobbies.Running(s.lobbyIdx) {
		if s.tr.Closed() {
			return stClose
		}
		time.Sleep(lobbyPoll)
	}
	for {
		if s.tr.Closed() {
			return stClose
		}
		if idx, ok := s.lobbies.NameSeated(s.name); !ok || idx != s.lobbyIdx {
			break
		}
		time.Sleep(memberPoll)
	}
	s.lobbyIdx = -1
	return stAfter
}

// afterMatch decides what happens once the engine hands the wire back: a
// pending back request flows straight to the lobby list, otherwise the
// player gets to ask.
func (s *Session) afterMatch() state {
	if s.reg.TakeBack(s.name, s.tr.Handle()) {
		if !s.sendSnapshot() {
			return stClose
		}
		return stLobby
	}

	deadline := time.Now().Add(handshakeTimeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return stClose
		}
		line, err := s.tr.ReadLine(remain)
		if err != nil {
			return stClose
		}
		deadline = time.Now().Add(handshakeTimeout)

		switch {
		case proto.MatchToken(line, proto.TokPing):
			if s.tr.WriteLine(proto.TokPong) != nil {
				return stClose
			}
		case proto.MatchToken(line, proto.TokPong),
			proto.MatchToken(line, proto.TokYes):
			// ignore
		case proto.MatchToken(line, proto.TokHit),
			proto.MatchToken(line, proto.TokStand):
			// race between the last click and the match ending
		case proto.ClassifyBack(line, s.name) == proto.BackSelf:
			if !s.sendSnapshot() {
				return stClose
			}
			return stLobby
		default:
			s.wrong("BAD_REQUEST")
			return stClose
		}
	}
}
