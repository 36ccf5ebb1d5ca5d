package game

import (
	"context"
	"log"

	"slitd/server/engine"
	"slitd/server/state"
)

// Bet resolves the head seat's action. amount 0 is a fold; amount > 0 opens:
// a card is drawn and the seat wins or loses amount against the pot by the
// strictly-between rule. The timeout path funnels into the same resolution
// with amount 0, so a fold looks the same no matter who triggered it.
func (g *Game) Bet(ctx context.Context, boardID, owner, seatKey string, amount int64) error {
	if _, err := g.confirmedBoard(ctx, boardID); err != nil {
		return err
	}
	seat, err := g.State.Seat(ctx, boardID, seatKey)
	if err != nil {
		return err
	}
	if seat == nil {
		return &NotFoundError{What: "seat"}
	}
	if owner != "" && seat.Owner != owner {
		return ErrUnauthorized
	}

	head, err := g.State.QueueHead(ctx, boardID)
	if err != nil {
		return err
	}
	if head != seatKey {
		return ruleErrf("not your turn")
	}

	locked, err := g.State.LockSeat(ctx, seatKey, seatLockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return ruleErrf("don't play too fast")
	}
	defer func() {
		if err := g.State.UnlockSeat(ctx, seatKey); err != nil {
			log.Printf("game: unlock seat %s: %v", seatKey, err)
		}
	}()

	if amount < 0 {
		return ruleErrf("bet must not be negative")
	}
	pot, err := g.State.Pot(ctx, boardID)
	if err != nil {
		return err
	}
	if amount > pot {
		return ruleErrf("bet exceeds the pot")
	}
	if amount > seat.Chips {
		return ruleErrf("bet exceeds your chips")
	}

	return g.resolveTurn(ctx, boardID, seatKey, seat, amount)
}

// resolveTurn settles one turn: broadcast, optional card draw and chip
// movement, hand cleared, cursor advanced after the settling delay. The
// caller holds the seat lock.
func (g *Game) resolveTurn(ctx context.Context, boardID, seatKey string, seat *state.Seat, amount int64) error {
	bet := BetEvent{Code: CodeBet, PlayerID: seat.PlayerID, Amount: amount}
	if amount > 0 {
		bet.Hands = seat.Hands
	}
	if err := g.publishState(ctx, boardID, bet); err != nil {
		return err
	}

	if amount > 0 {
		card, err := g.State.DrawCard(ctx, boardID)
		if err != nil {
			return err
		}
		win := engine.Between(seat.Hands[0], seat.Hands[1], card)
		if win {
			seat.Chips += amount
			if _, err := g.State.AddPot(ctx, boardID, -amount); err != nil {
				return err
			}
		} else {
			seat.Chips -= amount
			if _, err := g.State.AddPot(ctx, boardID, amount); err != nil {
				return err
			}
		}
		open := OpenEvent{Code: CodeOpen, PlayerID: seat.PlayerID, Card: card, Win: win, Amount: amount}
		if err := g.publishState(ctx, boardID, open); err != nil {
			return err
		}
	}

	seat.Hands = [2]int{} // acted
	if err := g.State.PutSeat(ctx, boardID, seatKey, seat); err != nil {
		return err
	}
	if err := g.State.RemoveQueued(ctx, boardID, seatKey); err != nil {
		return err
	}
	if err := g.State.ClearTurn(ctx, boardID, g.Instance); err != nil {
		return err
	}

	g.Sched.After(settleDelay, "advance "+boardID, func() error {
		return g.advance(context.Background(), boardID)
	})
	return g.Sync(ctx, boardID)
}

// advance moves the cursor to the next queued seat, or deals the next round
// when the queue drained.
func (g *Game) advance(ctx context.Context, boardID string) error {
	head, err := g.State.QueueHead(ctx, boardID)
	if err != nil {
		return err
	}
	if head == "" {
		return g.Deal(ctx, boardID)
	}
	if err := g.armTurn(ctx, boardID, head); err != nil {
		return err
	}
	return g.Sync(ctx, boardID)
}

// armTurn points the cursor at seatKey and starts its countdown under this
// instance's timer lease.
func (g *Game) armTurn(ctx context.Context, boardID, seatKey string) error {
	holder, err := g.State.AcquireTimerLease(ctx, boardID, g.Instance, leaseTTL)
	if err != nil {
		return err
	}
	return g.State.SetTurn(ctx, boardID, holder, seatKey, TurnTTL)
}

// HandleTurnExpired is the expiration callback for a turn marker: the head
// seat ran out of time and folds. instance is the identity embedded in the
// expired key; a marker armed by another lease holder is ignored.
func (g *Game) HandleTurnExpired(ctx context.Context, boardID, instance string) error {
	if instance != g.Instance {
		return nil
	}
	head, err := g.State.QueueHead(ctx, boardID)
	if err != nil {
		return err
	}
	if head == "" {
		// No round is running; keep the inert marker alive so the board
		// always carries exactly one expiring timer.
		return g.State.ArmIdleTimer(ctx, boardID, g.Instance, idleTurnTTL)
	}
	seat, err := g.State.Seat(ctx, boardID, head)
	if err != nil {
		return err
	}
	if seat == nil {
		if err := g.State.RemoveQueued(ctx, boardID, head); err != nil {
			return err
		}
		return g.advance(ctx, boardID)
	}

	locked, err := g.State.LockSeat(ctx, head, seatLockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return nil // a user bet won the race
	}
	defer func() {
		if err := g.State.UnlockSeat(ctx, head); err != nil {
			log.Printf("game: unlock seat %s: %v", head, err)
		}
	}()
	return g.resolveTurn(ctx, boardID, head, seat, 0)
}
