package game

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"slitd/server/broadcast"
	"slitd/server/ledger"
	"slitd/server/state"
	"slitd/server/store"
)

//
// ===== fakes =====
//

type fakeRecords struct {
	boards   map[string]*store.Board
	players  map[string]*store.Player
	keypairs map[string]string
	bills    []store.Bill
	nextBill int64
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		boards:   map[string]*store.Board{},
		players:  map[string]*store.Player{},
		keypairs: map[string]string{},
	}
}

func (f *fakeRecords) GetBoard(_ context.Context, id string) (*store.Board, error) {
	b, ok := f.boards[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (f *fakeRecords) CreateBoard(_ context.Context, b store.Board) error {
	f.boards[b.ID] = &b
	return nil
}

func (f *fakeRecords) ConfirmBoard(_ context.Context, id, signature string) error {
	b := f.boards[id]
	b.Confirmed = true
	b.Signature = &signature
	return nil
}

func (f *fakeRecords) AddBoardAggregates(_ context.Context, id string, chipsDelta int64, playersDelta int) error {
	b := f.boards[id]
	b.Chips += chipsDelta
	b.Players += playersDelta
	return nil
}

func (f *fakeRecords) GetPlayerByOwner(_ context.Context, owner string) (*store.Player, error) {
	p, ok := f.players[owner]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRecords) GetKeypairSecret(_ context.Context, publicKey string) (string, error) {
	return f.keypairs[publicKey], nil
}

func (f *fakeRecords) InsertKeypair(_ context.Context, publicKey, secretKey string) error {
	f.keypairs[publicKey] = secretKey
	return nil
}

func (f *fakeRecords) InsertConfirmedBill(_ context.Context, b store.Bill) (bool, error) {
	for _, have := range f.bills {
		if have.Signature == b.Signature {
			return false, nil
		}
	}
	f.nextBill++
	b.ID = f.nextBill
	b.Confirmed = true
	f.bills = append(f.bills, b)
	return true, nil
}

func (f *fakeRecords) InsertPendingBill(_ context.Context, b store.Bill) (int64, error) {
	f.nextBill++
	b.ID = f.nextBill
	f.bills = append(f.bills, b)
	return b.ID, nil
}

func (f *fakeRecords) GetPendingBill(_ context.Context, id int64, owner string) (*store.Bill, error) {
	for _, b := range f.bills {
		if b.ID == id && b.Owner == owner && !b.Confirmed {
			cp := b
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) ConfirmBillBySignatures(_ context.Context, signatures []string) (*store.Bill, error) {
	for i := range f.bills {
		if f.bills[i].Confirmed {
			continue
		}
		for _, sig := range signatures {
			if f.bills[i].Signature == sig {
				f.bills[i].Confirmed = true
				cp := f.bills[i]
				return &cp, nil
			}
		}
	}
	return nil, nil
}

type fakeLedger struct {
	built int
}

func (f *fakeLedger) BuildTx(_ context.Context, payer string, ix ledger.Instruction, _ ...string) (*ledger.BuiltTx, error) {
	f.built++
	return &ledger.BuiltTx{
		Base64:       fmt.Sprintf("tx-%d", f.built),
		RefSignature: fmt.Sprintf("ref-%d", f.built),
	}, nil
}

func (f *fakeLedger) DecodeSigned(string) (*ledger.SignedTx, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLedger) SubmitAndConfirm(context.Context, []byte) (string, error) {
	return "sig", nil
}

func (f *fakeLedger) AccountExists(context.Context, string) (bool, error) { return false, nil }

func (f *fakeLedger) PlayerAddress(owner string) (string, error) { return "pda-" + owner, nil }

func (f *fakeLedger) BoardAddress(boardID []byte) (string, error) {
	return "board-" + hex.EncodeToString(boardID), nil
}

func (f *fakeLedger) NewDealer() (string, string, error) { return "dealer-pub", "dealer-priv", nil }

//
// ===== scaffolding =====
//

const testBoard = "0123456789abcdef0123456789abcdef"

type fixture struct {
	game *Game
	db   *fakeRecords
	st   *state.Memory
	bus  *broadcast.Memory
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	db := newFakeRecords()
	db.boards[testBoard] = &store.Board{
		ID:        testBoard,
		Address:   "board-" + testBoard,
		Dealer:    "dealer-pub",
		Creator:   "creator",
		Limit:     limit,
		Confirmed: true,
	}
	db.keypairs["dealer-pub"] = "dealer-priv"
	st := state.NewMemory()
	if err := st.InitBoard(context.Background(), testBoard, limit); err != nil {
		t.Fatalf("InitBoard: %v", err)
	}
	bus := broadcast.NewMemory()
	g := New(db, st, bus, &fakeLedger{}, ImmediateScheduler{}, "inst1")
	g.deckSeed = 42
	g.now = func() time.Time { return time.Unix(1700000000, 0) }
	return &fixture{game: g, db: db, st: st, bus: bus}
}

func (fx *fixture) addPlayer(owner string) {
	fx.db.players[owner] = &store.Player{Owner: owner, Address: "pda-" + owner, Nickname: owner}
}

// stakeConfirmed walks one player through stake + ledger confirmation and
// returns their seat key.
func (fx *fixture) stakeConfirmed(t *testing.T, owner string, chips int64) string {
	t.Helper()
	ctx := context.Background()
	fx.addPlayer(owner)
	res, err := fx.game.Stake(ctx, testBoard, owner, chips, "")
	if err != nil {
		t.Fatalf("Stake(%s): %v", owner, err)
	}
	payload, err := ledger.PlayPayload(testBoard, uint64(chips))
	if err != nil {
		t.Fatalf("PlayPayload: %v", err)
	}
	err = fx.game.HandleStakeConfirmed(ctx, ledger.Event{
		Accounts:   []string{owner, "pda-" + owner, "dealer-pub", "board-" + testBoard},
		Payload:    payload,
		Signatures: []string{"stake-" + owner},
	})
	if err != nil {
		t.Fatalf("HandleStakeConfirmed(%s): %v", owner, err)
	}
	return res.SeatKey
}

func (fx *fixture) seat(t *testing.T, seatKey string) *state.Seat {
	t.Helper()
	seat, err := fx.st.Seat(context.Background(), testBoard, seatKey)
	if err != nil {
		t.Fatalf("Seat(%s): %v", seatKey, err)
	}
	if seat == nil {
		t.Fatalf("seat %s is gone", seatKey)
	}
	return seat
}

func (fx *fixture) pot(t *testing.T) int64 {
	t.Helper()
	pot, err := fx.st.Pot(context.Background(), testBoard)
	if err != nil {
		t.Fatalf("Pot: %v", err)
	}
	return pot
}

func (fx *fixture) head(t *testing.T) string {
	t.Helper()
	head, err := fx.st.QueueHead(context.Background(), testBoard)
	if err != nil {
		t.Fatalf("QueueHead: %v", err)
	}
	return head
}

// stateCodes decodes the code field of everything published on the board
// subject since offset.
func (fx *fixture) stateCodes(t *testing.T, offset int) []Code {
	t.Helper()
	log := fx.bus.StateLog(testBoard)
	var codes []Code
	for _, raw := range log[offset:] {
		var m struct {
			Code Code `json:"code"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		codes = append(codes, m.Code)
	}
	return codes
}

//
// ===== seat lifecycle =====
//

func TestStakeBelowMinimumRejected(t *testing.T) {
	fx := newFixture(t, 100)
	fx.addPlayer("alice")
	_, err := fx.game.Stake(context.Background(), testBoard, "alice", 199, "")
	var rule *RuleError
	if !errors.As(err, &rule) {
		t.Fatalf("want RuleError, got %v", err)
	}
}

func TestStakeUnknownBoard(t *testing.T) {
	fx := newFixture(t, 100)
	fx.addPlayer("alice")
	_, err := fx.game.Stake(context.Background(), "ffffffffffffffffffffffffffffffff", "alice", 250, "")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestStakeFullBoard(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	for i := 0; i < MaxPlayers; i++ {
		key := fmt.Sprintf("seat%02d", i)
		if err := fx.st.PutSeat(ctx, testBoard, key, &state.Seat{Owner: key, Status: state.StatusStaked}); err != nil {
			t.Fatalf("PutSeat: %v", err)
		}
	}
	fx.addPlayer("late")
	_, err := fx.game.Stake(ctx, testBoard, "late", 250, "")
	var rule *RuleError
	if !errors.As(err, &rule) {
		t.Fatalf("want RuleError for full board, got %v", err)
	}
}

func TestStakeConfirmationIdempotent(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	seat := fx.seat(t, key)
	if seat.Chips != 250 || seat.Staked != 250 {
		t.Fatalf("chips=%d staked=%d, want 250/250", seat.Chips, seat.Staked)
	}
	if fx.db.boards[testBoard].Players != 1 {
		t.Fatalf("player aggregate = %d, want 1", fx.db.boards[testBoard].Players)
	}

	// Replay the same confirmation.
	payload, _ := ledger.PlayPayload(testBoard, 250)
	err := fx.game.HandleStakeConfirmed(ctx, ledger.Event{
		Accounts:   []string{"alice"},
		Payload:    payload,
		Signatures: []string{"stake-alice"},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	seat = fx.seat(t, key)
	if seat.Chips != 250 {
		t.Fatalf("replayed confirmation double-credited: chips=%d", seat.Chips)
	}
	if fx.db.boards[testBoard].Chips != 250 || fx.db.boards[testBoard].Players != 1 {
		t.Fatalf("aggregates moved on replay: chips=%d players=%d",
			fx.db.boards[testBoard].Chips, fx.db.boards[testBoard].Players)
	}
}

func TestEnterReturnsExistingSeat(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	res, err := fx.game.Enter(ctx, testBoard, "alice")
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if res.SeatKey != key || res.Seat == nil {
		t.Fatalf("Enter did not return the owned seat: %+v", res)
	}
	if !fx.bus.HasConsumer(testBoard, res.Consumer) {
		t.Fatalf("board consumer not registered")
	}

	// Anonymous spectators still get a session.
	anon, err := fx.game.Enter(ctx, testBoard, "")
	if err != nil {
		t.Fatalf("anonymous Enter: %v", err)
	}
	if anon.SeatKey != "" || anon.Seat != nil {
		t.Fatalf("anonymous enter returned a seat: %+v", anon)
	}
}

//
// ===== dealing =====
//

func TestNoDealWithOneEligibleSeat(t *testing.T) {
	fx := newFixture(t, 100)
	key := fx.stakeConfirmed(t, "alice", 250)
	if err := fx.game.Ready(context.Background(), testBoard, "alice", key); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if fx.head(t) != "" {
		t.Fatalf("round started with one eligible seat")
	}
}

func TestDealScenario(t *testing.T) {
	// Board limit 100: A and B stake 250 each, both eligible (>=200).
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 250)
	keyB := fx.stakeConfirmed(t, "bob", 250)

	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	if fx.pot(t) != 200 {
		t.Fatalf("pot = %d, want 200 (two antes of 100)", fx.pot(t))
	}
	for _, key := range []string{keyA, keyB} {
		seat := fx.seat(t, key)
		if seat.Chips != 150 {
			t.Fatalf("seat %s chips = %d, want 150 after ante", key, seat.Chips)
		}
		if !seat.HasHand() {
			t.Fatalf("seat %s was not dealt", key)
		}
		if got := len(fx.bus.SeatLog(testBoard, key)); got != 1 {
			t.Fatalf("seat %s private deliveries = %d, want 1", key, got)
		}
	}
	queue, err := fx.st.Queue(ctx, testBoard)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	deckCount, err := fx.st.DeckCount(ctx, testBoard)
	if err != nil {
		t.Fatalf("DeckCount: %v", err)
	}
	if deckCount != 48 {
		t.Fatalf("deck count = %d, want 48", deckCount)
	}
}

func TestIneligibleSeatEvictedAtDeal(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	fx.stakeConfirmed(t, "alice", 500)
	fx.stakeConfirmed(t, "bob", 500)

	// A seat that lost its way down to 150 chips: staked once, below the
	// 200-chip threshold now.
	broke := &state.Seat{Owner: "carol", PlayerID: "pda-carol", Chips: 150, Staked: 250, Status: state.StatusStaked}
	if err := fx.st.PutSeat(ctx, testBoard, "carolseat", broke); err != nil {
		t.Fatalf("PutSeat: %v", err)
	}
	if err := fx.st.Admit(ctx, testBoard, "carolseat", time.Unix(1699999999, 0)); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if err := fx.game.Deal(ctx, testBoard); err != nil {
		t.Fatalf("Deal: %v", err)
	}
	queue, _ := fx.st.Queue(ctx, testBoard)
	for _, key := range queue {
		if key == "carolseat" {
			t.Fatalf("ineligible seat was dealt in")
		}
	}
	if len(queue) != 2 {
		t.Fatalf("queue = %v, want the two funded seats", queue)
	}
	if !fx.st.Broke(testBoard, "carolseat") {
		t.Fatalf("ineligible seat not parked broke")
	}
	if fx.seat(t, "carolseat").HasHand() {
		t.Fatalf("ineligible seat holds cards")
	}
}

//
// ===== turns =====
//

func TestBetNotYourTurn(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	keyB := fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	head := fx.head(t)
	tail := keyA
	tailOwner := "alice"
	if head == keyA {
		tail = keyB
		tailOwner = "bob"
	}
	potBefore := fx.pot(t)
	chipsBefore := fx.seat(t, tail).Chips

	err := fx.game.Bet(ctx, testBoard, tailOwner, tail, 0)
	var rule *RuleError
	if !errors.As(err, &rule) {
		t.Fatalf("want RuleError for out-of-turn bet, got %v", err)
	}
	if fx.pot(t) != potBefore || fx.seat(t, tail).Chips != chipsBefore {
		t.Fatalf("out-of-turn bet changed state")
	}
	if fx.head(t) != head {
		t.Fatalf("out-of-turn bet advanced the cursor")
	}
}

func TestBetBounds(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	head := fx.head(t)
	owner := fx.seat(t, head).Owner

	var rule *RuleError
	if err := fx.game.Bet(ctx, testBoard, owner, head, -1); !errors.As(err, &rule) {
		t.Fatalf("negative bet: want RuleError, got %v", err)
	}
	// Pot is 200; anything above it is rejected before chips are checked.
	if err := fx.game.Bet(ctx, testBoard, owner, head, 201); !errors.As(err, &rule) {
		t.Fatalf("bet above pot: want RuleError, got %v", err)
	}
}

func TestBetAboveChipsRejected(t *testing.T) {
	// Minimum stakes leave 150 chips after the ante against a 200 pot, so a
	// bet can clear the pot bound and still exceed the seat's chips.
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 250)
	keyB := fx.stakeConfirmed(t, "bob", 250)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	head := fx.head(t)
	owner := fx.seat(t, head).Owner

	var rule *RuleError
	if err := fx.game.Bet(ctx, testBoard, owner, head, 160); !errors.As(err, &rule) {
		t.Fatalf("bet above chips: want RuleError, got %v", err)
	}
	if fx.pot(t) != 200 {
		t.Fatalf("rejected bet moved the pot: %d", fx.pot(t))
	}
	if fx.seat(t, keyA).Chips != 150 || fx.seat(t, keyB).Chips != 150 {
		t.Fatalf("rejected bet moved chips: %d/%d", fx.seat(t, keyA).Chips, fx.seat(t, keyB).Chips)
	}
	if fx.head(t) != head {
		t.Fatalf("rejected bet advanced the cursor")
	}
}

func TestBetConservesChips(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	keyB := fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	head := fx.head(t)
	owner := fx.seat(t, head).Owner
	total := fx.pot(t) + fx.seat(t, keyA).Chips + fx.seat(t, keyB).Chips
	potBefore := fx.pot(t)
	chipsBefore := fx.seat(t, head).Chips

	if err := fx.game.Bet(ctx, testBoard, owner, head, 50); err != nil {
		t.Fatalf("Bet: %v", err)
	}

	after := fx.pot(t) + fx.seat(t, keyA).Chips + fx.seat(t, keyB).Chips
	if after != total {
		t.Fatalf("chips not conserved: %d -> %d", total, after)
	}
	delta := fx.seat(t, head).Chips - chipsBefore
	if delta != 50 && delta != -50 {
		t.Fatalf("acting seat moved by %d, want +-50", delta)
	}
	if fx.pot(t)-potBefore != -delta {
		t.Fatalf("pot delta %d does not mirror seat delta %d", fx.pot(t)-potBefore, delta)
	}
}

func TestTwoSeatRoundRunsTwoTurnsThenRedeals(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	keyB := fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	first := fx.head(t)
	firstOwner := fx.seat(t, first).Owner
	if err := fx.game.Bet(ctx, testBoard, firstOwner, first, 0); err != nil {
		t.Fatalf("first fold: %v", err)
	}
	second := fx.head(t)
	if second == first || second == "" {
		t.Fatalf("cursor did not advance: head=%q", second)
	}
	secondOwner := fx.seat(t, second).Owner
	if err := fx.game.Bet(ctx, testBoard, secondOwner, second, 0); err != nil {
		t.Fatalf("second fold: %v", err)
	}

	// Both seats still hold 400 chips (>= 200): the queue refills at once.
	queue, _ := fx.st.Queue(ctx, testBoard)
	if len(queue) != 2 {
		t.Fatalf("no redeal after the round closed: queue=%v", queue)
	}
	// Pot was already funded, so the redeal must not re-ante.
	if fx.pot(t) != 200 {
		t.Fatalf("pot = %d after redeal, want the carried 200", fx.pot(t))
	}
	if fx.seat(t, keyA).Chips != 400 || fx.seat(t, keyB).Chips != 400 {
		t.Fatalf("redeal re-anted: %d/%d", fx.seat(t, keyA).Chips, fx.seat(t, keyB).Chips)
	}
}

func TestTimeoutFoldMatchesZeroBet(t *testing.T) {
	// The broadcast sequence of a timeout fold must be indistinguishable
	// from a manual zero bet: a Bet event with amount 0, no Open event.
	runRound := func(t *testing.T, fold func(fx *fixture, head, owner string) error) []Code {
		fx := newFixture(t, 100)
		ctx := context.Background()
		keyA := fx.stakeConfirmed(t, "alice", 500)
		fx.stakeConfirmed(t, "bob", 500)
		if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
			t.Fatalf("Ready: %v", err)
		}
		head := fx.head(t)
		owner := fx.seat(t, head).Owner
		offset := len(fx.bus.StateLog(testBoard))
		if err := fold(fx, head, owner); err != nil {
			t.Fatalf("fold: %v", err)
		}
		return fx.stateCodes(t, offset)
	}

	manual := runRound(t, func(fx *fixture, head, owner string) error {
		return fx.game.Bet(context.Background(), testBoard, owner, head, 0)
	})
	timeout := runRound(t, func(fx *fixture, head, owner string) error {
		return fx.game.HandleTurnExpired(context.Background(), testBoard, "inst1")
	})

	if len(manual) != len(timeout) {
		t.Fatalf("sequences differ in length: %v vs %v", manual, timeout)
	}
	for i := range manual {
		if manual[i] != timeout[i] {
			t.Fatalf("sequences diverge at %d: %v vs %v", i, manual, timeout)
		}
	}
	for _, c := range timeout {
		if c == CodeOpen {
			t.Fatalf("timeout fold revealed a card: %v", timeout)
		}
	}
	if timeout[0] != CodeBet {
		t.Fatalf("fold did not open with a Bet event: %v", timeout)
	}
}

func TestIdleMarkerRearmedOnExpiry(t *testing.T) {
	// An idle board's inert marker must survive its own expiry, so the
	// board always carries exactly one expiring timer.
	fx := newFixture(t, 100)
	ctx := context.Background()
	if err := fx.game.HandleTurnExpired(ctx, testBoard, "inst1"); err != nil {
		t.Fatalf("HandleTurnExpired: %v", err)
	}
	if !fx.st.HasMarker(state.TurnMarkerKey(testBoard, "inst1")) {
		t.Fatalf("idle marker not rearmed after expiry")
	}
}

func TestTurnExpiryForForeignInstanceIgnored(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	head := fx.head(t)
	if err := fx.game.HandleTurnExpired(ctx, testBoard, "other-instance"); err != nil {
		t.Fatalf("HandleTurnExpired: %v", err)
	}
	if fx.head(t) != head {
		t.Fatalf("a foreign instance's marker folded the head seat")
	}
}

func TestTimeoutLosesLockRace(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	head := fx.head(t)

	// A concurrent bet holds the seat lock; the timeout path must back off.
	if ok, _ := fx.st.LockSeat(ctx, head, time.Minute); !ok {
		t.Fatalf("could not pre-lock seat")
	}
	if err := fx.game.HandleTurnExpired(ctx, testBoard, "inst1"); err != nil {
		t.Fatalf("HandleTurnExpired: %v", err)
	}
	if fx.head(t) != head {
		t.Fatalf("locked-out timeout still resolved the turn")
	}
}

//
// ===== redeem =====
//

func TestRedeemFeeOnProfitOnly(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	// Simulate winnings: 450 on the seat against 250 staked.
	seat := fx.seat(t, key)
	seat.Chips = 450
	if err := fx.st.PutSeat(ctx, testBoard, key, seat); err != nil {
		t.Fatalf("PutSeat: %v", err)
	}

	res, err := fx.game.Redeem(ctx, testBoard, "alice", key, 0)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	bill, err := fx.db.GetPendingBill(ctx, res.BillID, "alice")
	if err != nil || bill == nil {
		t.Fatalf("pending bill missing: %v", err)
	}
	if bill.Fee != 2 || bill.Amount != 448 {
		t.Fatalf("bill amount/fee = %d/%d, want 448/2", bill.Amount, bill.Fee)
	}
	if fx.seat(t, key).Status != state.StatusRedeeming {
		t.Fatalf("seat not marked redeeming")
	}
}

func TestRedeemBreakEvenChargesNoFee(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	res, err := fx.game.Redeem(ctx, testBoard, "alice", key, 0)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	bill, _ := fx.db.GetPendingBill(ctx, res.BillID, "alice")
	if bill.Fee != 0 || bill.Amount != 250 {
		t.Fatalf("bill amount/fee = %d/%d, want 250/0", bill.Amount, bill.Fee)
	}
}

func TestRedeemResumesPendingBill(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	first, err := fx.game.Redeem(ctx, testBoard, "alice", key, 0)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	second, err := fx.game.Redeem(ctx, testBoard, "alice", key, first.BillID)
	if err != nil {
		t.Fatalf("resume Redeem: %v", err)
	}
	if second.BillID != first.BillID {
		t.Fatalf("resume created a new bill: %d vs %d", second.BillID, first.BillID)
	}
	bills := 0
	for _, b := range fx.db.bills {
		if b.Type == store.BillRedeem {
			bills++
		}
	}
	if bills != 1 {
		t.Fatalf("redeem bills = %d, want 1", bills)
	}
}

func TestRedeemResumeRespectsSeatLock(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	first, err := fx.game.Redeem(ctx, testBoard, "alice", key, 0)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if ok, _ := fx.st.LockSeat(ctx, key, time.Minute); !ok {
		t.Fatalf("could not pre-lock seat")
	}
	_, err = fx.game.Redeem(ctx, testBoard, "alice", key, first.BillID)
	var rule *RuleError
	if !errors.As(err, &rule) {
		t.Fatalf("locked resume: want RuleError, got %v", err)
	}
}

func TestRedeemResumeChecksBillBoard(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	// A pending bill belonging to a different board must not be resumable
	// through this one.
	fx.db.nextBill++
	fx.db.bills = append(fx.db.bills, store.Bill{
		ID:      fx.db.nextBill,
		Owner:   "alice",
		Type:    store.BillRedeem,
		Amount:  250,
		BoardID: "ffffffffffffffffffffffffffffffff",
		SeatKey: "elsewhere",
	})
	_, err := fx.game.Redeem(ctx, testBoard, "alice", key, fx.db.nextBill)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("foreign-board bill: want NotFoundError, got %v", err)
	}
}

func TestSettleConfirmationRemovesSeat(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	key := fx.stakeConfirmed(t, "alice", 250)

	res, err := fx.game.Redeem(ctx, testBoard, "alice", key, 0)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	bill, _ := fx.db.GetPendingBill(ctx, res.BillID, "alice")

	err = fx.game.HandleSettleConfirmed(ctx, ledger.Event{
		Signatures: []string{"payer-sig", bill.Signature},
	})
	if err != nil {
		t.Fatalf("HandleSettleConfirmed: %v", err)
	}
	gone, err := fx.st.Seat(ctx, testBoard, key)
	if err != nil {
		t.Fatalf("Seat: %v", err)
	}
	if gone != nil {
		t.Fatalf("seat survived settlement")
	}
	if owned, _ := fx.st.OwnerSeat(ctx, "alice", testBoard); owned != "" {
		t.Fatalf("owner mapping survived settlement")
	}
	b := fx.db.boards[testBoard]
	if b.Chips != 0 || b.Players != 0 {
		t.Fatalf("aggregates not released: chips=%d players=%d", b.Chips, b.Players)
	}
}

func TestRedeemingHeadAdvancesTurn(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	keyB := fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	head := fx.head(t)
	owner := fx.seat(t, head).Owner
	if _, err := fx.game.Redeem(ctx, testBoard, owner, head, 0); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	newHead := fx.head(t)
	if newHead == head {
		t.Fatalf("redeeming the head seat left the cursor in place")
	}
	other := keyA
	if head == keyA {
		other = keyB
	}
	if newHead != other && newHead != "" {
		t.Fatalf("cursor moved to %q, want %q or empty", newHead, other)
	}
}

//
// ===== expirations =====
//

func TestExpiredKeyDispatch(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	res, err := fx.game.Enter(ctx, testBoard, "")
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !fx.bus.HasConsumer(testBoard, res.Consumer) {
		t.Fatalf("consumer not registered")
	}
	if err := fx.game.handleExpiredKey(ctx, state.SessionKey(testBoard, res.Consumer)); err != nil {
		t.Fatalf("handleExpiredKey: %v", err)
	}
	if fx.bus.HasConsumer(testBoard, res.Consumer) {
		t.Fatalf("expired session left its consumer behind")
	}

	// Junk keys are skipped, not fatal.
	if err := fx.game.handleExpiredKey(ctx, "unrelated:key"); err != nil {
		t.Fatalf("junk key: %v", err)
	}
}

//
// ===== board lifecycle =====
//

func TestCreateBoardAndConfirm(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	fx.addPlayer("creator2")

	res, err := fx.game.CreateBoard(ctx, "creator2", 300)
	if err != nil {
		t.Fatalf("CreateBoard: %v", err)
	}
	if len(res.BoardID) != 32 {
		t.Fatalf("board id %q, want 32 hex chars", res.BoardID)
	}
	board, _ := fx.db.GetBoard(ctx, res.BoardID)
	if board == nil || board.Confirmed {
		t.Fatalf("board should exist unconfirmed: %+v", board)
	}

	payload, err := ledger.CreatePayload(res.BoardID)
	if err != nil {
		t.Fatalf("CreatePayload: %v", err)
	}
	err = fx.game.HandleCreateConfirmed(ctx, ledger.Event{
		Payload:    payload,
		Signatures: []string{"create-sig"},
	})
	if err != nil {
		t.Fatalf("HandleCreateConfirmed: %v", err)
	}
	board, _ = fx.db.GetBoard(ctx, res.BoardID)
	if !board.Confirmed {
		t.Fatalf("board not confirmed")
	}
	limit, err := fx.st.BoardLimit(ctx, res.BoardID)
	if err != nil || limit != 300 {
		t.Fatalf("state limit = %d (%v), want 300", limit, err)
	}
	if len(fx.bus.StateLog(res.BoardID)) == 0 {
		t.Fatalf("no initial snapshot published")
	}
}

func TestSyncMasksHands(t *testing.T) {
	fx := newFixture(t, 100)
	ctx := context.Background()
	keyA := fx.stakeConfirmed(t, "alice", 500)
	fx.stakeConfirmed(t, "bob", 500)
	if err := fx.game.Ready(ctx, testBoard, "alice", keyA); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	log := fx.bus.StateLog(testBoard)
	var snap SyncState
	if err := json.Unmarshal(log[len(log)-1], &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Code != CodeSync {
		t.Fatalf("last broadcast is code %d, want sync", snap.Code)
	}
	if len(snap.Seats) != 2 {
		t.Fatalf("snapshot seats = %d, want 2", len(snap.Seats))
	}
	for _, s := range snap.Seats {
		if s.Hands != ([2]int{}) {
			t.Fatalf("snapshot leaked a hand: %+v", s)
		}
	}
	if snap.Turn == nil {
		t.Fatalf("snapshot missing the turn cursor")
	}
	if snap.Pot != 200 {
		t.Fatalf("snapshot pot = %d, want 200", snap.Pot)
	}
}
