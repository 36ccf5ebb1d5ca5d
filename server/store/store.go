package store

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema embed.FS

type DB struct{ *pgxpool.Pool }

func Open(dsn string) (*DB, error) {
	p, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return &DB{p}, nil
}

func (db *DB) Close(ctx context.Context)      { db.Pool.Close() }
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

func Migrate(ctx context.Context, db *DB) error {
	sqlBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, string(sqlBytes))
	return err
}

// Bill types, append-only financial records.
const (
	BillDeposit  = 0
	BillWithdraw = 1
	BillStake    = 2
	BillRedeem   = 3
)

type Board struct {
	ID        string
	Address   string
	Dealer    string
	Creator   string
	Limit     int64
	Chips     int64
	Players   int
	Confirmed bool
	Signature *string
	CreatedAt time.Time
}

type Player struct {
	Owner    string
	Address  string
	Nickname string
}

type Bill struct {
	ID        int64
	Owner     string
	Type      int
	Amount    int64
	Fee       int64
	BoardID   string
	SeatKey   string
	Signature string
	Confirmed bool
	CreatedAt time.Time
}

/* -----------------------------
   Boards
------------------------------*/

func (db *DB) CreateBoard(ctx context.Context, b Board) error {
	_, err := db.Exec(ctx, `
        INSERT INTO boards(id, address, dealer, creator, chip_limit, chips, players, confirmed)
        VALUES ($1,$2,$3,$4,$5,0,0,false)
    `, b.ID, b.Address, b.Dealer, b.Creator, b.Limit)
	return err
}

func (db *DB) ConfirmBoard(ctx context.Context, id, signature string) error {
	tag, err := db.Exec(ctx, `
        UPDATE boards SET confirmed = true, signature = $2 WHERE id = $1
    `, id, signature)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("board not found")
	}
	return nil
}

func (db *DB) GetBoard(ctx context.Context, id string) (*Board, error) {
	var b Board
	err := db.QueryRow(ctx, `
        SELECT id, address, dealer, creator, chip_limit, chips, players, confirmed, signature, created_at
          FROM boards WHERE id = $1
    `, id).Scan(&b.ID, &b.Address, &b.Dealer, &b.Creator, &b.Limit, &b.Chips, &b.Players, &b.Confirmed, &b.Signature, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (db *DB) ListBoards(ctx context.Context, minPlayers int, minLimit int64, page int) ([]Board, int, error) {
	if page < 1 {
		page = 1
	}
	rows, err := db.Query(ctx, `
        SELECT id, address, dealer, creator, chip_limit, chips, players, confirmed, signature, created_at
          FROM boards
         WHERE confirmed AND players >= $1 AND chip_limit >= $2
         ORDER BY created_at DESC
         LIMIT 20 OFFSET $3
    `, minPlayers, minLimit, (page-1)*20)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Board
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.ID, &b.Address, &b.Dealer, &b.Creator, &b.Limit, &b.Chips, &b.Players, &b.Confirmed, &b.Signature, &b.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	var total int
	err = db.QueryRow(ctx, `
        SELECT count(*) FROM boards WHERE confirmed AND players >= $1 AND chip_limit >= $2
    `, minPlayers, minLimit).Scan(&total)
	return out, total, err
}

// AddBoardAggregates bumps the board's running chip and player counters as
// stakes confirm and redeems settle.
func (db *DB) AddBoardAggregates(ctx context.Context, id string, chipsDelta int64, playersDelta int) error {
	_, err := db.Exec(ctx, `
        UPDATE boards SET chips = chips + $2, players = players + $3 WHERE id = $1
    `, id, chipsDelta, playersDelta)
	return err
}

/* -----------------------------
   Players
------------------------------*/

func (db *DB) GetPlayerByOwner(ctx context.Context, owner string) (*Player, error) {
	var p Player
	err := db.QueryRow(ctx, `
        SELECT owner, address, nickname FROM players WHERE owner = $1
    `, owner).Scan(&p.Owner, &p.Address, &p.Nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

/* -----------------------------
   Bills
------------------------------*/

// InsertConfirmedBill writes a stake bill keyed by its on-chain signature.
// Returns false when that signature was already recorded, which is how a
// replayed confirmation is detected.
func (db *DB) InsertConfirmedBill(ctx context.Context, b Bill) (bool, error) {
	tag, err := db.Exec(ctx, `
        INSERT INTO bills(owner, type, amount, fee, board_id, seat_key, signature, confirmed)
        VALUES ($1,$2,$3,$4,$5,$6,$7,true)
        ON CONFLICT (signature) DO NOTHING
    `, b.Owner, b.Type, b.Amount, b.Fee, b.BoardID, b.SeatKey, b.Signature)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// InsertPendingBill writes an unconfirmed redeem bill keyed by the built
// transaction's pre-signature, returning the bill id the client can use to
// resume the payout.
func (db *DB) InsertPendingBill(ctx context.Context, b Bill) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `
        INSERT INTO bills(owner, type, amount, fee, board_id, seat_key, signature, confirmed)
        VALUES ($1,$2,$3,$4,$5,$6,$7,false)
        RETURNING id
    `, b.Owner, b.Type, b.Amount, b.Fee, b.BoardID, b.SeatKey, b.Signature).Scan(&id)
	return id, err
}

func (db *DB) GetPendingBill(ctx context.Context, id int64, owner string) (*Bill, error) {
	var b Bill
	err := db.QueryRow(ctx, `
        SELECT id, owner, type, amount, fee, board_id, seat_key, signature, confirmed, created_at
          FROM bills WHERE id = $1 AND owner = $2 AND NOT confirmed
    `, id, owner).Scan(&b.ID, &b.Owner, &b.Type, &b.Amount, &b.Fee, &b.BoardID, &b.SeatKey, &b.Signature, &b.Confirmed, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ConfirmBillBySignatures marks the pending bill whose pre-signature appears
// in the confirmed transaction's signature list.
func (db *DB) ConfirmBillBySignatures(ctx context.Context, signatures []string) (*Bill, error) {
	var b Bill
	err := db.QueryRow(ctx, `
        UPDATE bills SET confirmed = true
         WHERE signature = ANY($1) AND NOT confirmed
        RETURNING id, owner, type, amount, fee, board_id, seat_key, signature, confirmed, created_at
    `, signatures).Scan(&b.ID, &b.Owner, &b.Type, &b.Amount, &b.Fee, &b.BoardID, &b.SeatKey, &b.Signature, &b.Confirmed, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (db *DB) ListBills(ctx context.Context, owner string, billType int, boardID string, page int) ([]Bill, int, error) {
	if page < 1 {
		page = 1
	}
	rows, err := db.Query(ctx, `
        SELECT id, owner, type, amount, fee, board_id, seat_key, signature, confirmed, created_at
          FROM bills
         WHERE owner = $1
           AND ($2 < 0 OR type = $2)
           AND ($3 = '' OR board_id = $3)
         ORDER BY id DESC
         LIMIT 20 OFFSET $4
    `, owner, billType, boardID, (page-1)*20)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Bill
	for rows.Next() {
		var b Bill
		if err := rows.Scan(&b.ID, &b.Owner, &b.Type, &b.Amount, &b.Fee, &b.BoardID, &b.SeatKey, &b.Signature, &b.Confirmed, &b.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	var total int
	err = db.QueryRow(ctx, `
        SELECT count(*) FROM bills
         WHERE owner = $1 AND ($2 < 0 OR type = $2) AND ($3 = '' OR board_id = $3)
    `, owner, billType, boardID).Scan(&total)
	return out, total, err
}

/* -----------------------------
   Dealer keypairs
------------------------------*/

func (db *DB) InsertKeypair(ctx context.Context, publicKey, secretKey string) error {
	_, err := db.Exec(ctx, `
        INSERT INTO keypairs(public_key, secret_key) VALUES ($1,$2)
    `, publicKey, secretKey)
	return err
}

func (db *DB) GetKeypairSecret(ctx context.Context, publicKey string) (string, error) {
	var secret string
	err := db.QueryRow(ctx, `
        SELECT secret_key FROM keypairs WHERE public_key = $1
    `, publicKey).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errors.New("keypair not found")
	}
	return secret, err
}
