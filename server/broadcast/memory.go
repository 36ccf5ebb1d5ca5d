package broadcast

import (
	"context"
	"sync"
)

// Memory is an in-process Bus that records everything published; the game
// tests assert on its logs.
type Memory struct {
	mu        sync.Mutex
	states    map[string][][]byte
	seats     map[string][][]byte // boardID+"|"+seatKey
	consumers map[string]bool     // boardID+"|"+name
}

func NewMemory() *Memory {
	return &Memory{
		states:    map[string][][]byte{},
		seats:     map[string][][]byte{},
		consumers: map[string]bool{},
	}
}

func (m *Memory) EnsureBoardStream(context.Context, string) error { return nil }
func (m *Memory) EnsureSeatStream(context.Context) error          { return nil }

func (m *Memory) AddBoardConsumer(_ context.Context, boardID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[boardID+"|"+name] = true
	return nil
}

func (m *Memory) RemoveBoardConsumer(_ context.Context, boardID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, boardID+"|"+name)
	return nil
}

func (m *Memory) AddSeatConsumer(context.Context, string, string) error { return nil }

func (m *Memory) PublishState(_ context.Context, boardID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[boardID] = append(m.states[boardID], append([]byte(nil), data...))
	return nil
}

func (m *Memory) PublishSeat(_ context.Context, boardID, seatKey string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := boardID + "|" + seatKey
	m.seats[k] = append(m.seats[k], append([]byte(nil), data...))
	return nil
}

// StateLog returns everything published on the board's global subject.
func (m *Memory) StateLog(boardID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.states[boardID]...)
}

// SeatLog returns everything published on one seat's private subject.
func (m *Memory) SeatLog(boardID, seatKey string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.seats[boardID+"|"+seatKey]...)
}

// HasConsumer reports whether a board consumer is registered; test helper.
func (m *Memory) HasConsumer(boardID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumers[boardID+"|"+name]
}
