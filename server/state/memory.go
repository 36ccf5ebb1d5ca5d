package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs the game engine tests and doubles
// as a single-node fallback; expirations fire via FireExpiry rather than a
// clock.
type Memory struct {
	mu       sync.Mutex
	limits   map[string]int64
	seats    map[string]map[string]*Seat // boardID -> seatKey -> seat
	owners   map[string]map[string]string
	eligible map[string]map[string]int64 // boardID -> seatKey -> admit ms
	broke    map[string]map[string]bool
	decks    map[string][]int
	pots     map[string]int64
	rounds   map[string]int64
	seqs     map[string]int64
	queues   map[string][]string
	turns    map[string]turnRec
	markers  map[string]string // marker key -> seatKey
	locks    map[string]time.Time
	leases   map[string]leaseRec
	sessions map[string]string
	exp      chan string
}

type turnRec struct {
	seatKey  string
	deadline time.Time
}

type leaseRec struct {
	owner string
	until time.Time
}

func NewMemory() *Memory {
	return &Memory{
		limits:   map[string]int64{},
		seats:    map[string]map[string]*Seat{},
		owners:   map[string]map[string]string{},
		eligible: map[string]map[string]int64{},
		broke:    map[string]map[string]bool{},
		decks:    map[string][]int{},
		pots:     map[string]int64{},
		rounds:   map[string]int64{},
		seqs:     map[string]int64{},
		queues:   map[string][]string{},
		turns:    map[string]turnRec{},
		markers:  map[string]string{},
		locks:    map[string]time.Time{},
		leases:   map[string]leaseRec{},
		sessions: map[string]string{},
		exp:      make(chan string, 64),
	}
}

func (m *Memory) InitBoard(_ context.Context, boardID string, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[boardID] = limit
	m.pots[boardID] = 0
	m.rounds[boardID] = 0
	return nil
}

func (m *Memory) BoardLimit(_ context.Context, boardID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits[boardID], nil
}

func (m *Memory) Seat(_ context.Context, boardID, seatKey string) (*Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seats[boardID][seatKey]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) PutSeat(_ context.Context, boardID, seatKey string, seat *Seat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seat.V = SeatSchemaVersion
	if m.seats[boardID] == nil {
		m.seats[boardID] = map[string]*Seat{}
	}
	cp := *seat
	m.seats[boardID][seatKey] = &cp
	return nil
}

func (m *Memory) DeleteSeat(_ context.Context, boardID, seatKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seats[boardID], seatKey)
	return nil
}

func (m *Memory) Seats(_ context.Context, boardID string) (map[string]*Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Seat, len(m.seats[boardID]))
	for k, s := range m.seats[boardID] {
		cp := *s
		out[k] = &cp
	}
	return out, nil
}

func (m *Memory) SeatCount(_ context.Context, boardID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seats[boardID]), nil
}

func (m *Memory) SetOwnerSeat(_ context.Context, owner, boardID, seatKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[owner] == nil {
		m.owners[owner] = map[string]string{}
	}
	m.owners[owner][boardID] = seatKey
	return nil
}

func (m *Memory) OwnerSeat(_ context.Context, owner, boardID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owners[owner][boardID], nil
}

func (m *Memory) DeleteOwnerSeat(_ context.Context, owner, boardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners[owner], boardID)
	return nil
}

func (m *Memory) Admit(_ context.Context, boardID, seatKey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eligible[boardID] == nil {
		m.eligible[boardID] = map[string]int64{}
	}
	m.eligible[boardID][seatKey] = at.UnixMilli()
	return nil
}

func (m *Memory) Evict(_ context.Context, boardID, seatKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.eligible[boardID], seatKey)
	return nil
}

func (m *Memory) EligibleSeats(_ context.Context, boardID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		key   string
		score int64
	}
	var entries []entry
	for k, s := range m.eligible[boardID] {
		entries = append(entries, entry{k, s})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].key < entries[j].key
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.key
	}
	return out, nil
}

func (m *Memory) ParkBroke(_ context.Context, boardID, seatKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broke[boardID] == nil {
		m.broke[boardID] = map[string]bool{}
	}
	m.broke[boardID][seatKey] = true
	return nil
}

// Broke reports whether a seat was parked broke; test helper.
func (m *Memory) Broke(boardID, seatKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broke[boardID][seatKey]
}

func (m *Memory) SetDeck(_ context.Context, boardID string, cards []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decks[boardID] = append([]int(nil), cards...)
	return nil
}

func (m *Memory) DrawCard(_ context.Context, boardID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deck := m.decks[boardID]
	if len(deck) == 0 {
		return 0, ErrDeckEmpty
	}
	card := deck[0]
	m.decks[boardID] = deck[1:]
	return card, nil
}

func (m *Memory) DeckCount(_ context.Context, boardID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decks[boardID]), nil
}

func (m *Memory) Pot(_ context.Context, boardID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pots[boardID], nil
}

func (m *Memory) AddPot(_ context.Context, boardID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pots[boardID] += delta
	return m.pots[boardID], nil
}

func (m *Memory) NextRound(_ context.Context, boardID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[boardID]++
	return m.rounds[boardID], nil
}

func (m *Memory) NextStateSeq(_ context.Context, boardID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[boardID]++
	return m.seqs[boardID], nil
}

func (m *Memory) SetQueue(_ context.Context, boardID string, seatKeys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[boardID] = append([]string(nil), seatKeys...)
	return nil
}

func (m *Memory) Queue(_ context.Context, boardID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queues[boardID]...), nil
}

func (m *Memory) QueueHead(_ context.Context, boardID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[boardID]
	if len(q) == 0 {
		return "", nil
	}
	return q[0], nil
}

func (m *Memory) RemoveQueued(_ context.Context, boardID, seatKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[boardID]
	out := q[:0]
	for _, k := range q {
		if k != seatKey {
			out = append(out, k)
		}
	}
	m.queues[boardID] = out
	return nil
}

func (m *Memory) SetTurn(_ context.Context, boardID, instance, seatKey string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[boardID] = turnRec{seatKey: seatKey, deadline: time.Now().Add(ttl)}
	m.markers[TurnMarkerKey(boardID, instance)] = seatKey
	return nil
}

func (m *Memory) Turn(_ context.Context, boardID string) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[boardID]
	if !ok || t.seatKey == "" {
		return "", time.Time{}, ErrNoTurn
	}
	return t.seatKey, t.deadline, nil
}

func (m *Memory) ClearTurn(_ context.Context, boardID, instance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, boardID)
	delete(m.markers, TurnMarkerKey(boardID, instance))
	return nil
}

func (m *Memory) ArmIdleTimer(_ context.Context, boardID, instance string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[TurnMarkerKey(boardID, instance)] = ""
	return nil
}

func (m *Memory) LockSeat(_ context.Context, seatKey string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, held := m.locks[seatLockKey(seatKey)]; held && time.Now().Before(until) {
		return false, nil
	}
	m.locks[seatLockKey(seatKey)] = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) UnlockSeat(_ context.Context, seatKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, seatLockKey(seatKey))
	return nil
}

func (m *Memory) AcquireTimerLease(_ context.Context, boardID, instance string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[boardID]
	if !ok || time.Now().After(lease.until) || lease.owner == instance {
		m.leases[boardID] = leaseRec{owner: instance, until: time.Now().Add(ttl)}
		return instance, nil
	}
	return lease.owner, nil
}

func (m *Memory) PutSession(_ context.Context, sessionID, owner string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = owner
	return nil
}

func (m *Memory) TouchSession(_ context.Context, _ string, _ time.Duration) error { return nil }

func (m *Memory) Expirations(ctx context.Context) (<-chan string, error) {
	return m.exp, nil
}

// HasMarker reports whether an expiring marker key is set; test helper.
func (m *Memory) HasMarker(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.markers[key]
	return ok
}

// FireExpiry simulates a key expiration notification; test helper.
func (m *Memory) FireExpiry(key string) {
	m.mu.Lock()
	delete(m.markers, key)
	m.mu.Unlock()
	m.exp <- key
}
