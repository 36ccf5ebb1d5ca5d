// The seat/turn/settlement engine. One Game serves every board; all shared
// state lives in the state store so any instance can pick up any request.
package game

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"slitd/server/broadcast"
	"slitd/server/ledger"
	"slitd/server/state"
	"slitd/server/store"
)

const (
	// MaxPlayers caps distinct seats per board.
	MaxPlayers = 10
	// buyInMultiple: a seat needs chips >= buyInMultiple*limit to be dealt in.
	buyInMultiple = 2

	// TurnTTL is the countdown a seat gets to act.
	TurnTTL = 30 * time.Second
	// idleTurnTTL is the inert marker value while no round runs.
	idleTurnTTL = time.Hour
	// settleDelay lets clients render the Open event before the next turn's
	// sync lands.
	settleDelay = 2 * time.Second

	seatLockTTL = 10 * time.Second
	leaseTTL    = 45 * time.Second
	// SessionTTL bounds a client session between pings.
	SessionTTL = 30 * time.Second
)

// ErrUnauthorized maps to HTTP 401 at the edge.
var ErrUnauthorized = errors.New("unauthorized")

// RuleError is a business-rule rejection; state is left unchanged and the
// client resynchronizes from the next snapshot.
type RuleError struct{ Reason string }

func (e *RuleError) Error() string { return e.Reason }

func ruleErrf(format string, args ...any) error {
	return &RuleError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError maps to HTTP 404 at the edge.
type NotFoundError struct{ What string }

func (e *NotFoundError) Error() string { return e.What + " does not exist" }

// Records is the durable store surface the engine needs.
type Records interface {
	GetBoard(ctx context.Context, id string) (*store.Board, error)
	CreateBoard(ctx context.Context, b store.Board) error
	ConfirmBoard(ctx context.Context, id, signature string) error
	AddBoardAggregates(ctx context.Context, id string, chipsDelta int64, playersDelta int) error
	GetPlayerByOwner(ctx context.Context, owner string) (*store.Player, error)
	GetKeypairSecret(ctx context.Context, publicKey string) (string, error)
	InsertKeypair(ctx context.Context, publicKey, secretKey string) error
	InsertConfirmedBill(ctx context.Context, b store.Bill) (bool, error)
	InsertPendingBill(ctx context.Context, b store.Bill) (int64, error)
	GetPendingBill(ctx context.Context, id int64, owner string) (*store.Bill, error)
	ConfirmBillBySignatures(ctx context.Context, signatures []string) (*store.Bill, error)
}

type Game struct {
	DB       Records
	State    state.Store
	Bus      broadcast.Bus
	Ledger   ledger.Gateway
	Sched    Scheduler
	Instance string
	// Events routes confirmed instructions submitted through this instance.
	Events *ledger.Dispatcher

	// deckSeed, when non-zero, makes dealing deterministic. Tests only.
	deckSeed int64
	now      func() time.Time
}

func New(db Records, st state.Store, bus broadcast.Bus, lg ledger.Gateway, sched Scheduler, instance string) *Game {
	return &Game{
		DB:       db,
		State:    st,
		Bus:      bus,
		Ledger:   lg,
		Sched:    sched,
		Instance: instance,
		now:      time.Now,
	}
}

// confirmedBoard loads a board and insists it exists on chain.
func (g *Game) confirmedBoard(ctx context.Context, boardID string) (*store.Board, error) {
	board, err := g.DB.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if board == nil || !board.Confirmed {
		return nil, &NotFoundError{What: "board"}
	}
	return board, nil
}

func randKey() string {
	var b [9]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b[:])
}
