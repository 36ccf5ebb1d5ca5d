// Ephemeral per-board game state: seats, deck, pot, the turn queue and the
// turn timer. Backed by Redis in production; Memory backs the tests.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SeatSchemaVersion tags every stored seat record; reads reject records from
// unknown schema revisions instead of reinterpreting them.
const SeatSchemaVersion = 1

// Seat statuses.
const (
	StatusUnready   = "unready"   // provisioned, stake not confirmed yet
	StatusStaked    = "staked"    // funded
	StatusReady     = "ready"     // asked to be dealt in
	StatusRedeeming = "redeeming" // payout built, waiting for settle
)

// Seat is a player's position and balance at one board. Chips are serialized
// as decimal strings on the wire.
type Seat struct {
	V        int    `json:"v"`
	Owner    string `json:"owner"`
	PlayerID string `json:"playerId"`
	Chips    int64  `json:"chips,string"`
	Staked   int64  `json:"staked,string"`
	Pending  int64  `json:"pending,string"` // stake awaiting ledger confirmation
	Hands    [2]int `json:"hands"`
	Status   string `json:"status"`
}

// HasHand reports whether the seat holds a live, unrevealed hand.
func (s *Seat) HasHand() bool { return s.Hands[0] != 0 || s.Hands[1] != 0 }

var (
	ErrDeckEmpty = errors.New("deck is empty")
	ErrNoTurn    = errors.New("no active turn")
)

func (s *Seat) validate() error {
	if s.V != SeatSchemaVersion {
		return fmt.Errorf("seat schema version %d, want %d", s.V, SeatSchemaVersion)
	}
	return nil
}

// Store is everything the game engine needs from the shared state store.
type Store interface {
	// Board bootstrap, run once when the board's create tx confirms.
	InitBoard(ctx context.Context, boardID string, limit int64) error
	BoardLimit(ctx context.Context, boardID string) (int64, error)

	// Seats. Seat returns (nil, nil) when the record is absent.
	Seat(ctx context.Context, boardID, seatKey string) (*Seat, error)
	PutSeat(ctx context.Context, boardID, seatKey string, seat *Seat) error
	DeleteSeat(ctx context.Context, boardID, seatKey string) error
	Seats(ctx context.Context, boardID string) (map[string]*Seat, error)
	SeatCount(ctx context.Context, boardID string) (int, error)
	SetOwnerSeat(ctx context.Context, owner, boardID, seatKey string) error
	OwnerSeat(ctx context.Context, owner, boardID string) (string, error)
	DeleteOwnerSeat(ctx context.Context, owner, boardID string) error

	// Round-eligible membership, ordered by admission time.
	Admit(ctx context.Context, boardID, seatKey string, at time.Time) error
	Evict(ctx context.Context, boardID, seatKey string) error
	EligibleSeats(ctx context.Context, boardID string) ([]string, error)
	ParkBroke(ctx context.Context, boardID, seatKey string) error

	// Deck, pot, counters.
	SetDeck(ctx context.Context, boardID string, cards []int) error
	DrawCard(ctx context.Context, boardID string) (int, error)
	DeckCount(ctx context.Context, boardID string) (int, error)
	Pot(ctx context.Context, boardID string) (int64, error)
	AddPot(ctx context.Context, boardID string, delta int64) (int64, error)
	NextRound(ctx context.Context, boardID string) (int64, error)
	NextStateSeq(ctx context.Context, boardID string) (int64, error)

	// Turn queue for the active round; head acts next.
	SetQueue(ctx context.Context, boardID string, seatKeys []string) error
	Queue(ctx context.Context, boardID string) ([]string, error)
	QueueHead(ctx context.Context, boardID string) (string, error)
	RemoveQueued(ctx context.Context, boardID, seatKey string) error

	// Turn cursor and expiring marker. The marker key embeds the arming
	// instance so only that instance reacts to its expiration.
	SetTurn(ctx context.Context, boardID, instance, seatKey string, ttl time.Duration) error
	Turn(ctx context.Context, boardID string) (string, time.Time, error)
	ClearTurn(ctx context.Context, boardID, instance string) error
	ArmIdleTimer(ctx context.Context, boardID, instance string, ttl time.Duration) error

	// Per-seat advisory lock serializing bet/fold/redeem resolution.
	LockSeat(ctx context.Context, seatKey string, ttl time.Duration) (bool, error)
	UnlockSeat(ctx context.Context, seatKey string) error

	// Timer-ownership lease; replaces in-process instance bookkeeping so a
	// rolling deploy cannot leave two instances both firing folds.
	AcquireTimerLease(ctx context.Context, boardID, instance string, ttl time.Duration) (string, error)

	// Client sessions; keys expire to reap broadcast consumers.
	PutSession(ctx context.Context, sessionID, owner string, ttl time.Duration) error
	TouchSession(ctx context.Context, sessionID string, ttl time.Duration) error

	// Expirations streams expired key names (turn markers, sessions).
	Expirations(ctx context.Context) (<-chan string, error)
}

// Key helpers shared by both implementations and by the expiration parser.

func seatsKey(boardID string) string    { return "board:" + boardID + ":seats" }
func eligibleKey(boardID string) string { return "board:" + boardID + ":eligible" }
func brokeKey(boardID string) string    { return "board:" + boardID + ":broke" }
func cardsKey(boardID string) string    { return "board:" + boardID + ":cards" }
func potKey(boardID string) string      { return "board:" + boardID + ":pot" }
func roundKey(boardID string) string    { return "board:" + boardID + ":roundCount" }
func seqKey(boardID string) string      { return "board:" + boardID + ":seq" }
func queueKey(boardID string) string    { return "board:" + boardID + ":queue" }
func settingsKey(boardID string) string { return "board:" + boardID + ":settings" }
func turnKey(boardID string) string     { return "board:" + boardID + ":turn" }
func leaseKey(boardID string) string    { return "board:" + boardID + ":timer:lease" }
func ownerKey(owner string) string      { return "owner:" + owner }
func seatLockKey(seatKey string) string { return "seat:" + seatKey + ":lock" }

// TurnMarkerKey builds the expiring turn marker key for one board and
// instance; its expiration is the fold trigger.
func TurnMarkerKey(boardID, instance string) string {
	return "board:" + boardID + ":turn:" + instance
}

// SessionKey builds the expiring session key for one board consumer.
func SessionKey(boardID, consumer string) string {
	return "board:" + boardID + ":session:" + consumer
}
