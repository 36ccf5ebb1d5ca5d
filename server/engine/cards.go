package engine

import (
	"math/rand"
	"time"
)

// Cards are encoded 1..52. The suit never matters in slit; only the
// rank-mod-13 value does.
const DeckSize = 52

// NewDeck returns a freshly shuffled 52-card deck (Fisher-Yates).
func NewDeck(seed int64) []int {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))
	deck := make([]int, DeckSize)
	for i := range deck {
		deck[i] = i + 1
	}
	for i := len(deck) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		deck[i], deck[j] = deck[j], deck[i]
	}
	return deck
}

// Value reduces a 1..52 card to its 1..13 rank value.
func Value(card int) int {
	v := card % 13
	if v == 0 {
		v = 13
	}
	return v
}

// Between reports whether the drawn card's value lies strictly between the
// two hand cards' values. Equal-value edges lose.
func Between(a, b, drawn int) bool {
	lo, hi := Value(a), Value(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	d := Value(drawn)
	return lo < d && d < hi
}
