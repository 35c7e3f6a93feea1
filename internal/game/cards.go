package game

import "math/rand"

// Suit enumerates the four card suits in wire order.
type Suit int

const (
	Clubs Suit = iota
	Diamonds
	Hearts
	Spades
)

// Card is one playing card. Rank 1..13, 1 = Ace.
type Card struct {
	Rank int
	Suit Suit
}

var (
	rankLetters = "A23456789TJQK"
	suitLetters = "CDHS"
)

// String renders the two-character wire form, e.g. "AS", "TD", "7H".
func (c Card) String() string {
	return string([]byte{rankLetters[c.Rank-1], suitLetters[c.Suit]})
}

// DeckSize is a full deck of distinct cards.
const DeckSize = 52

// Deck is an ordered deck with a cursor to the next card. Drawing past
// the end reshuffles the whole deck, so a draw never fails.
type Deck struct {
	cards [DeckSize]Card
	top   int
	rng   *rand.Rand
}

// NewDeck builds an ordered deck and shuffles it.
func NewDeck(rng *rand.Rand) *Deck {
	d := &Deck{rng: rng}
	i := 0
	for s := Clubs; s <= Spades; s++ {
		for r := 1; r <= 13; r++ {
			d.cards[i] = Card{Rank: r, Suit: s}
			i++
		}
	}
	d.Shuffle()
	return d
}

// Shuffle permutes the deck and resets the cursor.
func (d *Deck) Shuffle() {
	d.rng.Shuffle(DeckSize, func(i, j int) {
		d.cards[i], d.cards[j] = d.cards[j], d.cards[i]
	})
	d.top = 0
}

// Draw returns the next card, reshuffling a spent deck first.
func (d *Deck) Draw() Card {
	if d.top >= DeckSize {
		d.Shuffle()
	}
	c := d.cards[d.top]
	d.top++
	return c
}

// Remaining reports how many cards are left before the next reshuffle.
func (d *Deck) Remaining() int { return DeckSize - d.top }

// HandValue computes the blackjack value: face cards count 10, aces count
// 11 and are demoted to 1 one at a time while the total exceeds 21.
func HandValue(hand []Card) int {
	sum, aces := 0, 0
	for _, c := range hand {
		switch {
		case c.Rank == 1:
			aces++
			sum += 11
		case c.Rank >= 10:
			sum += 10
		default:
			sum += c.Rank
		}
	}
	for sum > 21 && aces > 0 {
		sum -= 10
		aces--
	}
	return sum
}
