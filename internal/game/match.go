package game

import (
	"context"
	"fmt"
	"time"

	gonet "github.com/c45bj/server/internal/net"
	"github.com/c45bj/server/internal/proto"
	"go.uber.org/zap"
)

// Engine timing, all second-resolution on the wire.
const (
	// TurnTimeout bounds one turn; an alive player is auto-stood after it.
	TurnTimeout = 30 * time.Second
	// ReconnectWindow is how long a detached player may reattach.
	ReconnectWindow = 30 * time.Second
	// PingInterval is the keep-alive cadence toward the watched transport.
	PingInterval = 5 * time.Second
	// LivenessWindow is the silence budget before a peer counts as dead.
	LivenessWindow = 10 * time.Second

	engineTick = 250 * time.Millisecond
)

type outcomeKind int

const (
	turnAdvance outcomeKind = iota // turn passes to the other slot
	turnRepeat                     // replay the same turn (reconnect resumed)
	turnForced                     // forced winner chosen, go to resolution
	turnAbort                      // end early with no winner change
)

type turnOutcome struct {
	kind   outcomeKind
	winner int // slot index, valid for turnForced
}

type reconResult int

const (
	reconResumed      reconResult = iota // detached slot reattached in time
	reconExpired                         // window elapsed, survivor wins
	reconSurvivorBack                    // survivor left, survivor loses
	reconBothDown                        // survivor unresponsive too
	reconStopped                         // server shutdown
)

// runMatch is the match task: exactly one per lobby, spawned by
// StartIfReady and owner of all game-phase I/O on both transports until
// the result is emitted and the slots are cleared.
func (m *Manager) runMatch(l *Lobby) {
	started := time.Now()

	l.mu.Lock()
	l.deck.Shuffle()
	for i := range l.slots {
		l.slots[i].Hand = nil
		l.slots[i].Stood = false
		l.slots[i].Busted = false
	}
	for r := 0; r < 2; r++ {
		for i := range l.slots {
			l.slots[i].Hand = append(l.slots[i].Hand, l.deck.Draw())
		}
	}
	names := [LobbySize]string{l.slots[0].Name, l.slots[1].Name}
	hands := [LobbySize][]Card{
		append([]Card(nil), l.slots[0].Hand...),
		append([]Card(nil), l.slots[1].Hand...),
	}
	l.mu.Unlock()

	m.log.Info("牌局開始",
		zap.Int("lobby", l.index+1),
		zap.String("player1", names[0]),
		zap.String("player2", names[1]))
	if m.hooks != nil {
		m.hooks.OnMatchStart(l.index+1, names[0], names[1])
	}

	forced := -1
	abort := false

	// Private initial deal. A failed write enters the reconnect window
	// before the first turn; a resumed player already got the hand replay.
	for i := 0; i < LobbySize && forced < 0 && !abort; i++ {
		tr := l.slotTransport(i)
		line := fmt.Sprintf("%s %s %s", proto.TokDeal, hands[i][0], hands[i][1])
		if tr == nil || tr.WriteLine(line) != nil {
			out := m.handleDisconnect(l, i)
			switch out.kind {
			case turnForced:
				forced = out.winner
			case turnAbort:
				abort = true
			}
		}
	}

	// Turn loop. Slot 0 acts first.
	turn := 0
	for forced < 0 && !abort {
		l.mu.Lock()
		done := (l.slots[0].Stood || l.slots[0].Busted) &&
			(l.slots[1].Stood || l.slots[1].Busted)
		skip := l.slots[turn].Stood || l.slots[turn].Busted
		l.mu.Unlock()
		if done {
			break
		}
		if skip {
			turn = 1 - turn
			continue
		}

		out := m.playTurn(l, turn)
		switch out.kind {
		case turnAdvance:
			turn = 1 - turn
		case turnRepeat:
			// same slot, fresh deadline
		case turnForced:
			forced = out.winner
		case turnAbort:
			abort = true
		}
	}

	m.resolve(l, names, forced, started)
}

// playTurn runs one turn for the given slot: announce, enforce the
// deadline and keep-alive, police the non-active transport, and apply
// HIT/STAND. Long waits happen without the lobby mutex.
func (m *Manager) playTurn(l *Lobby, active int) turnOutcome {
	other := 1 - active
	aView := l.slotView(active)
	oView := l.slotView(other)

	announce := fmt.Sprintf("%s %s %d", proto.TokTurn, aView.Name, int(TurnTimeout.Seconds()))
	for _, i := range [2]int{active, other} {
		tr := l.slotTransport(i)
		if tr == nil || tr.WriteLine(announce) != nil {
			return m.handleDisconnect(l, i)
		}
	}

	aTr := l.slotTransport(active)
	oTr := l.slotTransport(other)

	deadline := time.Now().Add(TurnTimeout)
	lastSeen := time.Now() // last proof of life from the active player
	lastPing := time.Now()

	ticker := time.NewTicker(engineTick)
	defer ticker.Stop()

	var aCh, oCh <-chan string
	if aTr != nil {
		aCh = aTr.Lines()
	}
	if oTr != nil {
		oCh = oTr.Lines()
	}

	for {
		select {
		case <-m.stop:
			return turnOutcome{kind: turnAbort}

		case line, ok := <-aCh:
			if !ok {
				return m.handleDisconnect(l, active)
			}
			lastSeen = time.Now()
			switch {
			case proto.MatchToken(line, proto.TokPing):
				if aTr.WriteLine(proto.TokPong) != nil {
					return m.handleDisconnect(l, active)
				}
			case proto.MatchToken(line, proto.TokPong),
				proto.MatchToken(line, proto.TokYes):
				// keep-alive / stale waiting echo, does not consume the turn
			case proto.ClassifyBack(line, aView.Name) == proto.BackSelf:
				m.reg.MarkBack(aView.Name, aTr.Handle())
				return turnOutcome{kind: turnForced, winner: other}
			case proto.MatchToken(line, proto.TokHit):
				return m.applyHit(l, active, aTr)
			case proto.MatchToken(line, proto.TokStand):
				l.mu.Lock()
				l.slots[active].Stood = true
				l.mu.Unlock()
				return turnOutcome{kind: turnAdvance}
			default:
				m.log.Warn("回合中收到非法指令",
					zap.Int("lobby", l.index+1),
					zap.String("name", aView.Name),
					zap.String("line", line))
				l.detachSlot(active)
				return turnOutcome{kind: turnForced, winner: other}
			}

		case line, ok := <-oCh:
			if !ok {
				return m.handleDisconnect(l, other)
			}
			switch {
			case proto.MatchToken(line, proto.TokPing):
				if oTr.WriteLine(proto.TokPong) != nil {
					return m.handleDisconnect(l, other)
				}
			case proto.MatchToken(line, proto.TokPong),
				proto.MatchToken(line, proto.TokYes):
				// stale echoes from the waiting phase, ignore
			case proto.ClassifyBack(line, oView.Name) == proto.BackSelf:
				m.reg.MarkBack(oView.Name, oTr.Handle())
				l.releaseSlotTransport(other)
				return turnOutcome{kind: turnForced, winner: active}
			default:
				// out-of-turn command or garbage
				m.log.Warn("非行動方違反協定",
					zap.Int("lobby", l.index+1),
					zap.String("name", oView.Name),
					zap.String("line", line))
				l.detachSlot(other)
				return turnOutcome{kind: turnForced, winner: active}
			}

		case <-ticker.C:
			now := time.Now()
			if now.After(deadline) {
				if now.Sub(lastSeen) <= LivenessWindow {
					// idle but alive: auto-stand
					if aTr.WriteLine(proto.TokTimeout) != nil {
						return m.handleDisconnect(l, active)
					}
					l.mu.Lock()
					l.slots[active].Stood = true
					l.mu.Unlock()
					return turnOutcome{kind: turnAdvance}
				}
				return m.handleDisconnect(l, active)
			}
			if now.Sub(lastPing) >= PingInterval {
				lastPing = now
				if aTr.WriteLine(proto.TokPing) != nil {
					return m.handleDisconnect(l, active)
				}
			}
		}
	}
}

// applyHit draws for the active slot and reports the card (and a bust)
// privately. The turn always advances afterwards, hit or bust.
func (m *Manager) applyHit(l *Lobby, active int, tr *gonet.Transport) turnOutcome {
	l.mu.Lock()
	card := l.deck.Draw()
	l.slots[active].Hand = append(l.slots[active].Hand, card)
	value := HandValue(l.slots[active].Hand)
	busted := value > 21
	if busted {
		l.slots[active].Busted = true
	}
	name := l.slots[active].Name
	l.mu.Unlock()

	if tr.WriteLine(fmt.Sprintf("%s %s", proto.TokCard, card)) != nil {
		return m.handleDisconnect(l, active)
	}
	if busted {
		// the opponent is not told the exact value mid-match
		if tr.WriteLine(fmt.Sprintf("%s %s %d", proto.TokBust, name, value)) != nil {
			return m.handleDisconnect(l, active)
		}
	}
	return turnOutcome{kind: turnAdvance}
}

// handleDisconnect detaches the slot's transport and runs the bounded
// reconnect window, then maps the result onto the turn loop.
func (m *Manager) handleDisconnect(l *Lobby, down int) turnOutcome {
	l.detachSlot(down)
	m.log.Info("玩家於牌局中斷線",
		zap.Int("lobby", l.index+1),
		zap.String("name", l.slotView(down).Name))

	switch m.waitReconnect(l, down) {
	case reconResumed:
		return turnOutcome{kind: turnRepeat}
	case reconExpired:
		return turnOutcome{kind: turnForced, winner: 1 - down}
	case reconSurvivorBack:
		return turnOutcome{kind: turnForced, winner: down}
	default: // reconBothDown, reconStopped
		return turnOutcome{kind: turnAbort}
	}
}

// waitReconnect keeps the survivor alive for up to ReconnectWindow while
// the detached slot's session (a fresh C45REC handshake) may reattach.
func (m *Manager) waitReconnect(l *Lobby, down int) reconResult {
	survivor := 1 - down
	dName := l.slotView(down).Name
	sName := l.slotView(survivor).Name

	sTr := l.slotTransport(survivor)
	if sTr == nil {
		return reconBothDown
	}
	notice := fmt.Sprintf("%s %s %d", proto.TokOppDown, dName, int(ReconnectWindow.Seconds()))
	if sTr.WriteLine(notice) != nil {
		l.detachSlot(survivor)
		return reconBothDown
	}

	deadline := time.Now().Add(ReconnectWindow)
	lastSeen := time.Now()
	lastPing := time.Now()

	ticker := time.NewTicker(engineTick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return reconStopped

		case line, ok := <-sTr.Lines():
			if !ok {
				l.detachSlot(survivor)
				return reconBothDown
			}
			lastSeen = time.Now()
			switch {
			case proto.MatchToken(line, proto.TokPing):
				if sTr.WriteLine(proto.TokPong) != nil {
					l.detachSlot(survivor)
					return reconBothDown
				}
			case proto.MatchToken(line, proto.TokPong),
				proto.MatchToken(line, proto.TokYes):
			case proto.ClassifyBack(line, sName) == proto.BackSelf:
				m.reg.MarkBack(sName, sTr.Handle())
				return reconSurvivorBack
			default:
				// anything else still proves the survivor is alive;
				// keep the match recoverable
			}

		case <-ticker.C:
			now := time.Now()
			if tr := l.slotTransport(down); tr != nil {
				// reattached by a reconnect handshake: replay the hand,
				// tell the survivor, resume the interrupted turn
				if m.replayHand(l, down, tr) {
					if sTr.WriteLine(fmt.Sprintf("%s %s", proto.TokOppBack, dName)) != nil {
						// survivor died at the worst moment; the next
						// turn's writes will route it through its own
						// disconnect window
						l.detachSlot(survivor)
					}
					m.log.Info("玩家重連成功",
						zap.Int("lobby", l.index+1), zap.String("name", dName))
					return reconResumed
				}
				l.detachSlot(down)
			}
			if now.After(deadline) {
				return reconExpired
			}
			if now.Sub(lastSeen) > LivenessWindow {
				l.detachSlot(survivor)
				return reconBothDown
			}
			if now.Sub(lastPing) >= PingInterval {
				lastPing = now
				if sTr.WriteLine(proto.TokPing) != nil {
					l.detachSlot(survivor)
					return reconBothDown
				}
			}
		}
	}
}

// replayHand resends the full hand to a reattached transport: the initial
// deal line, then one card line per later draw.
func (m *Manager) replayHand(l *Lobby, slot int, tr *gonet.Transport) bool {
	view := l.slotView(slot)
	if len(view.Hand) < 2 {
		return false
	}
	if tr.WriteLine(fmt.Sprintf("%s %s %s", proto.TokDeal, view.Hand[0], view.Hand[1])) != nil {
		return false
	}
	for _, c := range view.Hand[2:] {
		if tr.WriteLine(fmt.Sprintf("%s %s", proto.TokCard, c)) != nil {
			return false
		}
	}
	return true
}

// resolve computes final values, announces the result to every transport
// still attached, clears the lobby, and finally reports to the recorder
// and the scripting hooks.
func (m *Manager) resolve(l *Lobby, names [LobbySize]string, forced int, started time.Time) {
	l.mu.Lock()
	values := [LobbySize]int{}
	for i := range l.slots {
		if l.slots[i].Busted {
			values[i] = -1
		} else {
			values[i] = HandValue(l.slots[i].Hand)
		}
	}
	l.mu.Unlock()

	winner := "PUSH"
	switch {
	case forced >= 0:
		winner = names[forced]
	case values[0] > values[1]:
		winner = names[0]
	case values[1] > values[0]:
		winner = names[1]
	}

	result := fmt.Sprintf("%s %s %d %s %d WINNER %s",
		proto.TokResult, names[0], values[0], names[1], values[1], winner)
	for i := 0; i < LobbySize; i++ {
		if tr := l.slotTransport(i); tr != nil {
			tr.WriteLine(result)
		}
	}

	// free the lobby before the slow tail (hooks, persistence)
	l.mu.Lock()
	l.running = false
	for i := range l.slots {
		l.slots[i].clear()
	}
	l.count = 0
	l.mu.Unlock()

	m.log.Info("牌局結束",
		zap.Int("lobby", l.index+1),
		zap.String("winner", winner),
		zap.Int("value1", values[0]),
		zap.Int("value2", values[1]),
		zap.Bool("forced", forced >= 0))

	rec := &MatchRecord{
		Lobby:      l.index + 1,
		Name1:      names[0],
		Value1:     values[0],
		Name2:      names[1],
		Value2:     values[1],
		Winner:     winner,
		Forced:     forced >= 0,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if m.hooks != nil {
		m.hooks.OnMatchEnd(rec)
	}
	if m.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.recorder.RecordMatch(ctx, rec); err != nil {
			m.log.Error("保存牌局結果失敗", zap.Error(err))
		}
		cancel()
	}
}
