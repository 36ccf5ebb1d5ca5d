// Broadcast log: one durable subject per board for global state sync, one
// per board+seat for private deliveries (dealt hands). Clients attach named
// durable consumers so a reconnect resumes from the last snapshot.
package broadcast

import (
	"context"
)

func StateSubject(boardID string) string { return "states." + boardID }
func SeatSubject(boardID, seatKey string) string {
	return "seats." + boardID + "." + seatKey
}
func stateStream(boardID string) string { return "state_" + boardID }

const seatStream = "seats"

type Bus interface {
	// EnsureBoardStream creates the per-board global state stream.
	EnsureBoardStream(ctx context.Context, boardID string) error
	// EnsureSeatStream creates the shared stream carrying all per-seat
	// private subjects.
	EnsureSeatStream(ctx context.Context) error

	// AddBoardConsumer registers a named durable consumer that receives the
	// latest board snapshot and everything after it.
	AddBoardConsumer(ctx context.Context, boardID, name string) error
	RemoveBoardConsumer(ctx context.Context, boardID, name string) error
	// AddSeatConsumer registers the at-least-once consumer for one seat's
	// private messages.
	AddSeatConsumer(ctx context.Context, boardID, seatKey string) error

	PublishState(ctx context.Context, boardID string, data []byte) error
	PublishSeat(ctx context.Context, boardID, seatKey string, data []byte) error
}
