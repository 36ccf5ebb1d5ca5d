package game

import (
	"context"

	"slitd/server/engine"
	"slitd/server/state"
)

// Deal starts a round: it weeds out under-funded seats, shuffles a fresh
// deck, antes the dealt seats when the pot is empty, hands everyone two
// cards over their private subject and arms the first turn. With fewer than
// two eligible seats the board stays idle on an inert timer.
func (g *Game) Deal(ctx context.Context, boardID string) error {
	limit, err := g.State.BoardLimit(ctx, boardID)
	if err != nil {
		return err
	}
	eligible, err := g.State.EligibleSeats(ctx, boardID)
	if err != nil {
		return err
	}

	var roster []string
	seats := make(map[string]*state.Seat, len(eligible))
	for _, key := range eligible {
		seat, err := g.State.Seat(ctx, boardID, key)
		if err != nil {
			return err
		}
		if seat == nil {
			if err := g.State.Evict(ctx, boardID, key); err != nil {
				return err
			}
			continue
		}
		if seat.Chips < buyInMultiple*limit {
			// Below the buy-in threshold: out of the roster until topped up.
			if err := g.State.Evict(ctx, boardID, key); err != nil {
				return err
			}
			if err := g.State.ParkBroke(ctx, boardID, key); err != nil {
				return err
			}
			seat.Status = state.StatusStaked
			if err := g.State.PutSeat(ctx, boardID, key, seat); err != nil {
				return err
			}
			continue
		}
		roster = append(roster, key)
		seats[key] = seat
	}

	if len(roster) < 2 {
		if err := g.State.ArmIdleTimer(ctx, boardID, g.Instance, idleTurnTTL); err != nil {
			return err
		}
		return g.Sync(ctx, boardID)
	}

	seed := g.deckSeed
	if seed == 0 {
		seed = g.now().UnixNano()
	}
	deck := engine.NewDeck(seed)

	pot, err := g.State.Pot(ctx, boardID)
	if err != nil {
		return err
	}
	ante := pot == 0

	for _, key := range roster {
		seat := seats[key]
		seat.Hands = [2]int{deck[0], deck[1]}
		deck = deck[2:]
		if ante {
			seat.Chips -= limit
			if _, err := g.State.AddPot(ctx, boardID, limit); err != nil {
				return err
			}
		}
		if err := g.State.PutSeat(ctx, boardID, key, seat); err != nil {
			return err
		}
	}
	if err := g.State.SetDeck(ctx, boardID, deck); err != nil {
		return err
	}
	if _, err := g.State.NextRound(ctx, boardID); err != nil {
		return err
	}
	if err := g.State.SetQueue(ctx, boardID, roster); err != nil {
		return err
	}

	for _, key := range roster {
		if err := g.publishSeat(ctx, boardID, key, DealMessage{Code: CodeDeal, Hands: seats[key].Hands}); err != nil {
			return err
		}
	}
	if err := g.armTurn(ctx, boardID, roster[0]); err != nil {
		return err
	}
	return g.Sync(ctx, boardID)
}
