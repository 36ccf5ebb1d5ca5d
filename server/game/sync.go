package game

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"slitd/server/state"
)

// Wire codes for broadcast messages.
type Code int

const (
	CodeError Code = 0
	CodeSync  Code = 1
	CodeDeal  Code = 2
	CodeBet   Code = 3
	CodeOpen  Code = 4
)

// SeatView is one seat as spectators see it: a live hand is always masked to
// the zero placeholder; reveals travel in Bet/Open events only.
type SeatView struct {
	PlayerID string `json:"playerId"`
	Chips    int64  `json:"chips,string"`
	Hands    [2]int `json:"hands"`
	Status   string `json:"status"`
}

type TurnView struct {
	PlayerID  string `json:"playerId"`
	ExpiresAt int64  `json:"expiresAt"` // unix ms
}

// SyncState is the versioned snapshot published after every mutation.
type SyncState struct {
	Code      Code       `json:"code"`
	Seq       int64      `json:"seq"`
	Seats     []SeatView `json:"seats"`
	DeckCount int        `json:"deckCount"`
	Pot       int64      `json:"pot,string"`
	Turn      *TurnView  `json:"turn,omitempty"`
}

// DealMessage is the private per-seat delivery carrying the dealt ranks.
type DealMessage struct {
	Code  Code   `json:"code"`
	Hands [2]int `json:"hands"`
}

// BetEvent announces a resolution. Hands stay at the placeholder for a fold
// (amount 0) and reveal the acting seat's ranks for an open.
type BetEvent struct {
	Code     Code   `json:"code"`
	PlayerID string `json:"playerId"`
	Amount   int64  `json:"amount,string"`
	Hands    [2]int `json:"hands"`
}

// OpenEvent reveals the drawn card and the outcome of a non-zero bet.
type OpenEvent struct {
	Code     Code   `json:"code"`
	PlayerID string `json:"playerId"`
	Card     int    `json:"card"`
	Win      bool   `json:"win"`
	Amount   int64  `json:"amount,string"`
}

// Sync publishes the authoritative snapshot of one board on its global
// subject. Call after every state-changing operation.
func (g *Game) Sync(ctx context.Context, boardID string) error {
	seats, err := g.State.Seats(ctx, boardID)
	if err != nil {
		return err
	}
	eligible, err := g.State.EligibleSeats(ctx, boardID)
	if err != nil {
		return err
	}
	deckCount, err := g.State.DeckCount(ctx, boardID)
	if err != nil {
		return err
	}
	pot, err := g.State.Pot(ctx, boardID)
	if err != nil {
		return err
	}
	seq, err := g.State.NextStateSeq(ctx, boardID)
	if err != nil {
		return err
	}

	// Eligible seats first, in admission order, then the rest keyed-sorted
	// so the layout is stable.
	ordered := make([]string, 0, len(seats))
	seen := make(map[string]bool, len(seats))
	for _, key := range eligible {
		if seats[key] != nil {
			ordered = append(ordered, key)
			seen[key] = true
		}
	}
	var rest []string
	for key := range seats {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	msg := SyncState{Code: CodeSync, Seq: seq, DeckCount: deckCount, Pot: pot}
	for _, key := range ordered {
		seat := seats[key]
		msg.Seats = append(msg.Seats, SeatView{
			PlayerID: seat.PlayerID,
			Chips:    seat.Chips,
			Hands:    [2]int{}, // always masked
			Status:   seat.Status,
		})
	}

	if head, deadline, err := g.State.Turn(ctx, boardID); err == nil {
		if seat := seats[head]; seat != nil {
			msg.Turn = &TurnView{PlayerID: seat.PlayerID, ExpiresAt: deadline.UnixMilli()}
		}
	} else if !errors.Is(err, state.ErrNoTurn) {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return g.Bus.PublishState(ctx, boardID, data)
}

func (g *Game) publishState(ctx context.Context, boardID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return g.Bus.PublishState(ctx, boardID, data)
}

func (g *Game) publishSeat(ctx context.Context, boardID, seatKey string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return g.Bus.PublishSeat(ctx, boardID, seatKey, data)
}
