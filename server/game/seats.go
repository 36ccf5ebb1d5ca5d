package game

import (
	"context"
	"log"

	"slitd/server/engine"
	"slitd/server/ledger"
	"slitd/server/state"
	"slitd/server/store"
)

type EnterResult struct {
	SessionID string
	Consumer  string
	SeatKey   string
	Seat      *state.Seat
}

// Enter attaches a client (authenticated or not) to a board's sync feed and
// hands back the caller's seat when they already own one, so a reconnect
// resumes where it left off.
func (g *Game) Enter(ctx context.Context, boardID, owner string) (*EnterResult, error) {
	if _, err := g.confirmedBoard(ctx, boardID); err != nil {
		return nil, err
	}

	consumer := randKey()
	sessionID := state.SessionKey(boardID, consumer)
	if err := g.State.PutSession(ctx, sessionID, owner, SessionTTL); err != nil {
		return nil, err
	}
	if err := g.Bus.AddBoardConsumer(ctx, boardID, consumer); err != nil {
		return nil, err
	}

	res := &EnterResult{SessionID: sessionID, Consumer: consumer}
	if owner == "" {
		return res, nil
	}
	seatKey, err := g.State.OwnerSeat(ctx, owner, boardID)
	if err != nil || seatKey == "" {
		return res, err
	}
	seat, err := g.State.Seat(ctx, boardID, seatKey)
	if err != nil {
		return nil, err
	}
	if seat != nil {
		res.SeatKey = seatKey
		res.Seat = seat
	}
	return res, nil
}

// Ping keeps a session (and its broadcast consumer) alive.
func (g *Game) Ping(ctx context.Context, sessionID string) error {
	return g.State.TouchSession(ctx, sessionID, SessionTTL)
}

type StakeResult struct {
	Tx       string
	SeatKey  string
	PlayerID string
}

// Stake validates the buy-in, provisions (or reuses) the caller's seat in an
// unfunded state, and returns the unsigned fund-transfer transaction. Chips
// only land on the seat once the ledger confirms.
func (g *Game) Stake(ctx context.Context, boardID, owner string, chips int64, existingSeatKey string) (*StakeResult, error) {
	board, err := g.confirmedBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	player, err := g.DB.GetPlayerByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if player == nil {
		return nil, &NotFoundError{What: "player"}
	}
	if chips < buyInMultiple*board.Limit {
		return nil, ruleErrf("stake at least %d chips", buyInMultiple*board.Limit)
	}
	count, err := g.State.SeatCount(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if count >= MaxPlayers {
		return nil, ruleErrf("board is full")
	}

	seatKey := existingSeatKey
	var seat *state.Seat
	if seatKey != "" {
		seat, err = g.State.Seat(ctx, boardID, seatKey)
		if err != nil {
			return nil, err
		}
		if seat == nil || seat.Owner != owner {
			return nil, &NotFoundError{What: "seat"}
		}
	} else {
		seatKey = randKey()
	}

	dealerSecret, err := g.DB.GetKeypairSecret(ctx, board.Dealer)
	if err != nil {
		return nil, err
	}
	playerAddr, err := g.Ledger.PlayerAddress(owner)
	if err != nil {
		return nil, err
	}
	payload, err := ledger.PlayPayload(boardID, uint64(chips))
	if err != nil {
		return nil, err
	}
	built, err := g.Ledger.BuildTx(ctx, owner, ledger.Instruction{
		Op: ledger.OpPlay,
		Accounts: []ledger.AccountMeta{
			{Address: owner, Signer: true},
			{Address: playerAddr, Writable: true},
			{Address: board.Dealer, Signer: true},
			{Address: board.Address, Writable: true},
			{Address: ledger.SystemProgram},
		},
		Payload: payload,
	}, dealerSecret)
	if err != nil {
		return nil, err
	}

	if seat == nil {
		seat = &state.Seat{Owner: owner, PlayerID: player.Address, Status: state.StatusUnready}
	}
	seat.Pending = chips
	if err := g.State.PutSeat(ctx, boardID, seatKey, seat); err != nil {
		return nil, err
	}
	if err := g.State.SetOwnerSeat(ctx, owner, boardID, seatKey); err != nil {
		return nil, err
	}
	if err := g.Bus.AddSeatConsumer(ctx, boardID, seatKey); err != nil {
		return nil, err
	}

	return &StakeResult{Tx: built.Base64, SeatKey: seatKey, PlayerID: player.Address}, nil
}

// HandleStakeConfirmed is the ledger sink for the Play opcode. It must be
// idempotent: replaying a confirmation for an already-recorded signature is
// a no-op.
func (g *Game) HandleStakeConfirmed(ctx context.Context, ev ledger.Event) error {
	boardID, chips, err := ledger.ParsePlayPayload(ev.Payload)
	if err != nil {
		return err
	}
	if len(ev.Accounts) == 0 || len(ev.Signatures) == 0 {
		return nil
	}
	owner := ev.Accounts[0]

	seatKey, err := g.State.OwnerSeat(ctx, owner, boardID)
	if err != nil || seatKey == "" {
		return err
	}
	seat, err := g.State.Seat(ctx, boardID, seatKey)
	if err != nil || seat == nil {
		return err
	}
	if seat.Pending != int64(chips) {
		log.Printf("game: stake confirmation for %s/%s does not match pending amount, ignored", boardID, seatKey)
		return nil
	}

	inserted, err := g.DB.InsertConfirmedBill(ctx, store.Bill{
		Owner:     owner,
		Type:      store.BillStake,
		Amount:    int64(chips),
		BoardID:   boardID,
		SeatKey:   seatKey,
		Signature: ev.Signatures[0],
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil // replayed confirmation
	}

	firstStake := seat.Staked == 0
	seat.Chips += int64(chips)
	seat.Staked += int64(chips)
	seat.Pending = 0
	seat.Status = state.StatusStaked
	if err := g.State.PutSeat(ctx, boardID, seatKey, seat); err != nil {
		return err
	}

	playersDelta := 0
	if firstStake {
		playersDelta = 1
	}
	if err := g.DB.AddBoardAggregates(ctx, boardID, int64(chips), playersDelta); err != nil {
		return err
	}

	limit, err := g.State.BoardLimit(ctx, boardID)
	if err != nil {
		return err
	}
	if seat.Chips >= buyInMultiple*limit {
		if err := g.State.Admit(ctx, boardID, seatKey, g.now()); err != nil {
			return err
		}
	}
	return g.Sync(ctx, boardID)
}

// Ready marks a funded seat as willing to be dealt in and starts a round if
// the board is idle with enough eligible seats.
func (g *Game) Ready(ctx context.Context, boardID, owner, seatKey string) error {
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
	if seat.Status == state.StatusUnready {
		return ruleErrf("stake is not confirmed yet")
	}
	seat.Status = state.StatusReady
	if err := g.State.PutSeat(ctx, boardID, seatKey, seat); err != nil {
		return err
	}

	head, err := g.State.QueueHead(ctx, boardID)
	if err != nil {
		return err
	}
	if head != "" {
		return g.Sync(ctx, boardID) // round already running
	}
	eligible, err := g.State.EligibleSeats(ctx, boardID)
	if err != nil {
		return err
	}
	if len(eligible) >= 2 {
		return g.Deal(ctx, boardID)
	}
	return g.Sync(ctx, boardID)
}

type RedeemResult struct {
	Tx     string
	BillID int64
}

// Redeem builds the withdrawal transaction for a seat's balance minus the
// profit fee, pulls the seat out of play, and records a pending bill. A
// follow-up call with the bill id resumes the same payout without
// recomputing it.
func (g *Game) Redeem(ctx context.Context, boardID, owner, seatKey string, billID int64) (*RedeemResult, error) {
	board, err := g.confirmedBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	seat, err := g.State.Seat(ctx, boardID, seatKey)
	if err != nil {
		return nil, err
	}
	if seat == nil || seat.Owner != owner {
		return nil, &NotFoundError{What: "seat"}
	}

	dealerSecret, err := g.DB.GetKeypairSecret(ctx, board.Dealer)
	if err != nil {
		return nil, err
	}

	locked, err := g.State.LockSeat(ctx, seatKey, seatLockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ruleErrf("seat is busy, don't play too fast")
	}
	defer func() {
		if err := g.State.UnlockSeat(ctx, seatKey); err != nil {
			log.Printf("game: unlock seat %s: %v", seatKey, err)
		}
	}()

	if billID > 0 {
		bill, err := g.DB.GetPendingBill(ctx, billID, owner)
		if err != nil {
			return nil, err
		}
		if bill == nil || bill.BoardID != boardID {
			return nil, &NotFoundError{What: "bill"}
		}
		built, err := g.buildSettle(ctx, board, owner, bill.Amount, bill.Fee, dealerSecret)
		if err != nil {
			return nil, err
		}
		return &RedeemResult{Tx: built.Base64, BillID: bill.ID}, nil
	}

	fee := engine.Fee(seat.Chips, seat.Staked)
	amount := seat.Chips - fee

	built, err := g.buildSettle(ctx, board, owner, amount, fee, dealerSecret)
	if err != nil {
		return nil, err
	}

	// Pull the seat out of the round structures before the payout confirms;
	// the chips are spoken for.
	head, err := g.State.QueueHead(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := g.State.Evict(ctx, boardID, seatKey); err != nil {
		return nil, err
	}
	if err := g.State.RemoveQueued(ctx, boardID, seatKey); err != nil {
		return nil, err
	}
	seat.Hands = [2]int{}
	seat.Status = state.StatusRedeeming
	if err := g.State.PutSeat(ctx, boardID, seatKey, seat); err != nil {
		return nil, err
	}

	id, err := g.DB.InsertPendingBill(ctx, store.Bill{
		Owner:     owner,
		Type:      store.BillRedeem,
		Amount:    amount,
		Fee:       fee,
		BoardID:   boardID,
		SeatKey:   seatKey,
		Signature: built.RefSignature,
	})
	if err != nil {
		return nil, err
	}

	if head == seatKey {
		if err := g.advance(ctx, boardID); err != nil {
			return nil, err
		}
	}
	if err := g.Sync(ctx, boardID); err != nil {
		return nil, err
	}
	return &RedeemResult{Tx: built.Base64, BillID: id}, nil
}

func (g *Game) buildSettle(ctx context.Context, board *store.Board, owner string, amount, fee int64, dealerSecret string) (*ledger.BuiltTx, error) {
	playerAddr, err := g.Ledger.PlayerAddress(owner)
	if err != nil {
		return nil, err
	}
	payload, err := ledger.SettlePayload(board.ID, uint64(amount), uint64(fee))
	if err != nil {
		return nil, err
	}
	return g.Ledger.BuildTx(ctx, owner, ledger.Instruction{
		Op: ledger.OpSettle,
		Accounts: []ledger.AccountMeta{
			{Address: owner, Signer: true},
			{Address: playerAddr, Writable: true},
			{Address: board.Dealer, Signer: true},
			{Address: board.Address, Writable: true},
			{Address: ledger.SystemProgram},
		},
		Payload: payload,
	}, dealerSecret)
}

// HandleSettleConfirmed is the ledger sink for the Settle opcode: the payout
// landed, so the seat record and its owner mapping go away for good.
func (g *Game) HandleSettleConfirmed(ctx context.Context, ev ledger.Event) error {
	bill, err := g.DB.ConfirmBillBySignatures(ctx, ev.Signatures)
	if err != nil {
		return err
	}
	if bill == nil {
		return nil // no pending bill matches; replay or foreign settle
	}
	if err := g.State.DeleteSeat(ctx, bill.BoardID, bill.SeatKey); err != nil {
		return err
	}
	if err := g.State.DeleteOwnerSeat(ctx, bill.Owner, bill.BoardID); err != nil {
		return err
	}
	if err := g.DB.AddBoardAggregates(ctx, bill.BoardID, -(bill.Amount + bill.Fee), -1); err != nil {
		return err
	}
	return g.Sync(ctx, bill.BoardID)
}
