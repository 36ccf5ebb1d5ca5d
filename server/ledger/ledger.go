// Ledger gateway: builds unsigned program transactions, submits signed ones,
// and fans confirmed instructions out to registered sinks. The chain program
// itself lives elsewhere; this package only speaks its instruction layout.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
)

type Opcode byte

const (
	OpInitialize Opcode = 0x00
	OpRegister   Opcode = 0x01
	OpSwap       Opcode = 0x02
	OpCreate     Opcode = 0x03
	OpPlay       Opcode = 0x04
	OpSettle     Opcode = 0x05
)

// SystemProgram is the native transfer program every funded instruction
// references last in its account list.
const SystemProgram = "11111111111111111111111111111111"

// AccountMeta mirrors the chain account list entry, base58 addresses only.
type AccountMeta struct {
	Address  string
	Signer   bool
	Writable bool
}

// Instruction is one unsigned program call: opcode byte followed by the raw
// payload on the wire.
type Instruction struct {
	Op       Opcode
	Accounts []AccountMeta
	Payload  []byte
}

// BuiltTx is a partially signed (dealer-side) transaction ready for the
// caller's signature. RefSignature identifies the transaction before the
// payer has signed; bills for pending redeems are keyed by it.
type BuiltTx struct {
	Base64       string
	RefSignature string
}

// SignedTx is a decoded, caller-signed transaction submitted back to us.
type SignedTx struct {
	Op         Opcode
	Accounts   []string
	Payload    []byte
	Signatures []string
	Raw        []byte
}

// Event is a confirmed instruction delivered to sinks.
type Event struct {
	Accounts   []string
	Payload    []byte
	Signatures []string
}

// Gateway is the boundary to the external ledger.
type Gateway interface {
	BuildTx(ctx context.Context, payer string, ix Instruction, cosignKeys ...string) (*BuiltTx, error)
	DecodeSigned(txBase64 string) (*SignedTx, error)
	// SubmitAndConfirm blocks until finality or times out.
	SubmitAndConfirm(ctx context.Context, raw []byte) (string, error)
	AccountExists(ctx context.Context, address string) (bool, error)
	PlayerAddress(owner string) (string, error)
	BoardAddress(boardID []byte) (string, error)
	NewDealer() (pub, priv string, err error)
}

// EventSink receives confirmed instructions for one opcode.
type EventSink interface {
	HandleLedgerEvent(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) HandleLedgerEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Dispatcher routes confirmed instructions to the sink registered for their
// opcode. Sink errors are logged, never propagated: one bad event must not
// wedge confirmation handling.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks map[Opcode]EventSink
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{sinks: make(map[Opcode]EventSink)}
}

func (d *Dispatcher) Register(op Opcode, sink EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[op] = sink
}

func (d *Dispatcher) Dispatch(ctx context.Context, op Opcode, ev Event) {
	d.mu.RLock()
	sink := d.sinks[op]
	d.mu.RUnlock()
	if sink == nil {
		return
	}
	if err := sink.HandleLedgerEvent(ctx, ev); err != nil {
		log.Printf("ledger: sink for op 0x%02x: %v", byte(op), err)
	}
}

//
// ===== instruction payloads =====
//
// Board ids are 16 raw bytes (32 hex chars); amounts are u64 little-endian.

const boardIDLen = 16

func appendBoardID(dst []byte, boardID string) ([]byte, error) {
	raw, err := hex.DecodeString(boardID)
	if err != nil || len(raw) != boardIDLen {
		return nil, fmt.Errorf("bad board id %q", boardID)
	}
	return append(dst, raw...), nil
}

func appendU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// CreatePayload: boardID.
func CreatePayload(boardID string) ([]byte, error) {
	return appendBoardID(nil, boardID)
}

// PlayPayload: boardID | chips.
func PlayPayload(boardID string, chips uint64) ([]byte, error) {
	b, err := appendBoardID(nil, boardID)
	if err != nil {
		return nil, err
	}
	return appendU64(b, chips), nil
}

// SettlePayload: boardID | amount | fee.
func SettlePayload(boardID string, amount, fee uint64) ([]byte, error) {
	b, err := appendBoardID(nil, boardID)
	if err != nil {
		return nil, err
	}
	return appendU64(appendU64(b, amount), fee), nil
}

// ParseBoardID reads the leading board id from a payload.
func ParseBoardID(payload []byte) (string, error) {
	if len(payload) < boardIDLen {
		return "", fmt.Errorf("payload too short: %d", len(payload))
	}
	return hex.EncodeToString(payload[:boardIDLen]), nil
}

// ParsePlayPayload returns the board id and staked chips.
func ParsePlayPayload(payload []byte) (string, uint64, error) {
	if len(payload) != boardIDLen+8 {
		return "", 0, fmt.Errorf("bad play payload length %d", len(payload))
	}
	id := hex.EncodeToString(payload[:boardIDLen])
	return id, binary.LittleEndian.Uint64(payload[boardIDLen:]), nil
}

// ParseSettlePayload returns the board id, payout amount and fee.
func ParseSettlePayload(payload []byte) (string, uint64, uint64, error) {
	if len(payload) != boardIDLen+16 {
		return "", 0, 0, fmt.Errorf("bad settle payload length %d", len(payload))
	}
	id := hex.EncodeToString(payload[:boardIDLen])
	amount := binary.LittleEndian.Uint64(payload[boardIDLen : boardIDLen+8])
	fee := binary.LittleEndian.Uint64(payload[boardIDLen+8:])
	return id, amount, fee, nil
}
