package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchToken(t *testing.T) {
	assert.True(t, MatchToken("C45PI", TokPing))
	assert.True(t, MatchToken("C45PI ", TokPing))
	assert.True(t, MatchToken("C45PI\textra", TokPing))

	// a player named PIXEL must not look like a keep-alive
	assert.False(t, MatchToken("C45PIXEL", TokPing))
	assert.False(t, MatchToken("C45P", TokPing))
	assert.False(t, MatchToken("C45PO", TokPing))

	assert.True(t, MatchToken("C45REC alice 2", TokRec))
	assert.False(t, MatchToken("C45RECON alice 2", TokRec))
}

func TestParseName(t *testing.T) {
	name, ok := ParseName("C45alice")
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	// surrounding whitespace is tolerated, internal is not
	name, ok = ParseName("C45  bob  ")
	require.True(t, ok)
	assert.Equal(t, "bob", name)

	_, ok = ParseName("C45a b")
	assert.False(t, ok)
	_, ok = ParseName("C45")
	assert.False(t, ok)
	_, ok = ParseName("X99alice")
	assert.False(t, ok)

	long := "C45"
	for i := 0; i < MaxName; i++ {
		long += "x"
	}
	_, ok = ParseName(long)
	assert.True(t, ok)
	_, ok = ParseName(long + "x")
	assert.False(t, ok)
}

func TestParseRec(t *testing.T) {
	name, lobby, ok := ParseRec("C45REC alice 2")
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Equal(t, 2, lobby)

	// 0 means "scan all lobbies"
	_, lobby, ok = ParseRec("C45REC bob 0")
	require.True(t, ok)
	assert.Equal(t, 0, lobby)

	_, _, ok = ParseRec("C45REC alice")
	assert.False(t, ok)
	_, _, ok = ParseRec("C45REC alice two")
	assert.False(t, ok)
	_, _, ok = ParseRec("C45REC alice -1")
	assert.False(t, ok)
	_, _, ok = ParseRec("C45REC alice 2 extra")
	assert.False(t, ok)
}

func TestParseJoin(t *testing.T) {
	n, ok := ParseJoin("C45J 3")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	// out-of-range numbers still parse; range policy is the caller's
	n, ok = ParseJoin("C45J 99")
	require.True(t, ok)
	assert.Equal(t, 99, n)

	_, ok = ParseJoin("C45J three")
	assert.False(t, ok)
	_, ok = ParseJoin("C45Joe 3")
	assert.False(t, ok)
}

func TestParseLegacyJoin(t *testing.T) {
	name, lobby, ok := ParseLegacyJoin("C45bob3")
	require.True(t, ok)
	assert.Equal(t, "bob", name)
	assert.Equal(t, 3, lobby)

	// only the final digit selects the lobby
	name, lobby, ok = ParseLegacyJoin("C45bob42")
	require.True(t, ok)
	assert.Equal(t, "bob4", name)
	assert.Equal(t, 2, lobby)

	_, _, ok = ParseLegacyJoin("C45bob")
	assert.False(t, ok)
	_, _, ok = ParseLegacyJoin("C45a b3")
	assert.False(t, ok)
	_, _, ok = ParseLegacyJoin("C453")
	assert.False(t, ok)
}

func TestClassifyBack(t *testing.T) {
	assert.Equal(t, BackSelf, ClassifyBack("C45B", "alice"))
	assert.Equal(t, BackSelf, ClassifyBack("C45aliceback", "alice"))
	assert.Equal(t, BackOther, ClassifyBack("C45bobback", "alice"))
	assert.Equal(t, BackNone, ClassifyBack("C45H", "alice"))
	assert.Equal(t, BackNone, ClassifyBack("C45back", "alice"))
	assert.Equal(t, BackNone, ClassifyBack("C45alice", "alice"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	infos := []LobbyInfo{
		{Players: 0, Running: false},
		{Players: 2, Running: true},
		{Players: 1, Running: false},
	}
	line := BuildSnapshot(infos)
	assert.Equal(t, "C45L 3 002110", line)

	parsed, err := ParseSnapshot(line)
	require.NoError(t, err)
	assert.Equal(t, infos, parsed)
}

func TestParseSnapshotRejectsMalformed(t *testing.T) {
	cases := []string{
		"C45L",
		"C45L 2 00",     // pairs too short
		"C45L 1 301",    // player count out of range, extra digit
		"C45L 1 03",     // player digit 0, status 3
		"C45L one 0000", // non-numeric count
		"C45D 1 00",     // wrong token
	}
	for _, c := range cases {
		_, err := ParseSnapshot(c)
		assert.Error(t, err, "line %q", c)
	}
}
