// Package proto implements the C45 line protocol: token classification,
// field extraction and lobby snapshot serialization. Every message is a
// single line prefixed with "C45" and terminated by '\n'.
package proto

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	// Prefix is the three-character frame marker carried by every line.
	Prefix = "C45"

	// MaxLine bounds one protocol line including the terminator.
	MaxLine = 256
	// MaxName bounds a player name in bytes.
	MaxName = 63
)

// Client → server tokens.
const (
	TokRec   = "C45REC"
	TokJoin  = "C45J"
	TokBack  = "C45B"
	TokHit   = "C45H"
	TokStand = "C45S"
	TokPing  = "C45PI"
	TokPong  = "C45PO"
	TokYes   = "C45YES" // stale waiting-phase echo, tolerated
)

// Server → client tokens.
const (
	TokOK      = "C45OK"
	TokWrong   = "C45WRONG"
	TokRecOK   = "C45REC_OK"
	TokLobbies = "C45L"
	TokDeal    = "C45D"
	TokTurn    = "C45T"
	TokCard    = "C45C"
	TokBust    = "C45B"
	TokTimeout = "C45TO"
	TokResult  = "C45R"
	TokOppDown = "C45OD"
	TokOppBack = "C45OB"
	TokDown    = "C45DOWN"
	TokWaiting = "C45WAITING"
)

// HasPrefix reports whether the line carries the C45 frame marker.
func HasPrefix(line string) bool {
	return strings.HasPrefix(line, Prefix)
}

// MatchToken reports whether line starts with exactly tok. The character
// after the token must be end-of-line or whitespace, so a player named
// "PIXEL" ("C45PIXEL") is not mistaken for a keep-alive ("C45PI").
func MatchToken(line, tok string) bool {
	if !strings.HasPrefix(line, tok) {
		return false
	}
	if len(line) == len(tok) {
		return true
	}
	c := line[len(tok)]
	return c == ' ' || c == '\t'
}

// ValidName checks the handshake name rules: non-empty, at most MaxName
// bytes, no whitespace anywhere.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxName {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// ParseName extracts the name from a fresh handshake line "C45<name>".
// Leading and trailing whitespace around the name is tolerated.
func ParseName(line string) (string, bool) {
	if !HasPrefix(line) {
		return "", false
	}
	name := strings.TrimSpace(line[len(Prefix):])
	if !ValidName(name) {
		return "", false
	}
	return name, true
}

// ParseRec extracts name and lobby hint from "C45REC <name> <lobby>".
// A lobby of 0 means "unknown, scan all".
func ParseRec(line string) (name string, lobby int, ok bool) {
	if !MatchToken(line, TokRec) {
		return "", 0, false
	}
	fields := strings.Fields(line[len(TokRec):])
	if len(fields) != 2 {
		return "", 0, false
	}
	if !ValidName(fields[0]) {
		return "", 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return fields[0], n, true
}

// ParseJoin extracts the 1-based lobby number from "C45J <lobby>".
// The number is returned unvalidated; range checks belong to the caller
// (range errors keep the session alive, format errors do not).
func ParseJoin(line string) (lobby int, ok bool) {
	if !MatchToken(line, TokJoin) {
		return 0, false
	}
	arg := strings.TrimSpace(line[len(TokJoin):])
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseLegacyJoin handles the backward-compatible join form
// "C45<name><lobby>" where only the final digit selects the lobby.
// The name must match the handshake rules (no internal whitespace).
func ParseLegacyJoin(line string) (name string, lobby int, ok bool) {
	if !HasPrefix(line) {
		return "", 0, false
	}
	payload := strings.TrimSpace(line[len(Prefix):])
	if len(payload) < 2 {
		return "", 0, false
	}
	last := payload[len(payload)-1]
	if last < '0' || last > '9' {
		return "", 0, false
	}
	name = strings.TrimRight(payload[:len(payload)-1], " \t")
	if !ValidName(name) {
		return "", 0, false
	}
	return name, int(last - '0'), true
}

// BackKind classifies a "back to lobby" request.
type BackKind int

const (
	BackNone  BackKind = iota // not a back request
	BackSelf                  // back request for the expected name
	BackOther                 // back request, but for a different name
)

// ClassifyBack recognizes both back forms: the short "C45B" and the legacy
// "C45<name>back". The short form is always attributed to the owning
// transport; the legacy form must name the expected player.
func ClassifyBack(line, expected string) BackKind {
	if MatchToken(line, TokBack) {
		return BackSelf
	}
	if !HasPrefix(line) || expected == "" {
		return BackNone
	}
	payload := strings.TrimSpace(line[len(Prefix):])
	if len(payload) <= len("back") || !strings.HasSuffix(payload, "back") {
		return BackNone
	}
	name := strings.TrimRight(payload[:len(payload)-len("back")], " \t")
	if name == "" {
		return BackOther
	}
	if name == expected {
		return BackSelf
	}
	return BackOther
}

// LobbyInfo is one lobby's public state inside a snapshot.
type LobbyInfo struct {
	Players int  // seated players, 0..2
	Running bool // match in progress
}

// BuildSnapshot renders the one-line lobby snapshot
// "C45L <n> <pairs>" where pairs is 2·n digits (players then status).
func BuildSnapshot(infos []LobbyInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d ", TokLobbies, len(infos))
	for _, in := range infos {
		b.WriteByte(byte('0' + in.Players))
		if in.Running {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseSnapshot is the inverse of BuildSnapshot.
func ParseSnapshot(line string) ([]LobbyInfo, error) {
	if !MatchToken(line, TokLobbies) {
		return nil, fmt.Errorf("not a snapshot line: %q", line)
	}
	fields := strings.Fields(line[len(TokLobbies):])
	if len(fields) != 2 {
		return nil, fmt.Errorf("snapshot field count %d", len(fields))
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("snapshot count %q", fields[0])
	}
	pairs := fields[1]
	if len(pairs) != 2*n {
		return nil, fmt.Errorf("snapshot pairs length %d, want %d", len(pairs), 2*n)
	}
	infos := make([]LobbyInfo, n)
	for i := 0; i < n; i++ {
		p := pairs[2*i]
		s := pairs[2*i+1]
		if p < '0' || p > '2' || (s != '0' && s != '1') {
			return nil, fmt.Errorf("snapshot pair %d malformed: %c%c", i, p, s)
		}
		infos[i] = LobbyInfo{Players: int(p - '0'), Running: s == '1'}
	}
	return infos, nil
}
