package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func c(rank int, suit Suit) Card { return Card{Rank: rank, Suit: suit} }

func TestCardString(t *testing.T) {
	assert.Equal(t, "AS", c(1, Spades).String())
	assert.Equal(t, "TD", c(10, Diamonds).String())
	assert.Equal(t, "7H", c(7, Hearts).String())
	assert.Equal(t, "KC", c(13, Clubs).String())
}

func TestDeckDealsAllDistinctCards(t *testing.T) {
	d := NewDeck(rand.New(rand.NewSource(1)))
	seen := make(map[Card]bool, DeckSize)
	for i := 0; i < DeckSize; i++ {
		card := d.Draw()
		assert.False(t, seen[card], "duplicate card %s", card)
		seen[card] = true
	}
	require.Len(t, seen, DeckSize)
	assert.Equal(t, 0, d.Remaining())

	// drawing past the end reshuffles instead of failing
	card := d.Draw()
	assert.True(t, card.Rank >= 1 && card.Rank <= 13)
	assert.Equal(t, DeckSize-1, d.Remaining())
}

func TestHandValue(t *testing.T) {
	// face cards count ten
	assert.Equal(t, 20, HandValue([]Card{c(13, Spades), c(12, Hearts)}))
	// ace counts eleven while it fits
	assert.Equal(t, 21, HandValue([]Card{c(1, Spades), c(10, Hearts)}))
	// aces demote one at a time
	assert.Equal(t, 12, HandValue([]Card{c(1, Spades), c(1, Hearts)}))
	assert.Equal(t, 13, HandValue([]Card{c(1, Spades), c(1, Hearts), c(1, Clubs)}))
	assert.Equal(t, 14, HandValue([]Card{c(1, Spades), c(1, Hearts), c(1, Clubs), c(1, Diamonds)}))
	// demotion rescues a would-be bust
	assert.Equal(t, 16, HandValue([]Card{c(1, Spades), c(10, Hearts), c(5, Clubs)}))
	// genuine bust
	assert.Equal(t, 25, HandValue([]Card{c(10, Spades), c(10, Hearts), c(5, Clubs)}))
	assert.Equal(t, 0, HandValue(nil))
}
