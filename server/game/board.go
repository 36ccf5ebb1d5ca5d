package game

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"

	"slitd/server/ledger"
	"slitd/server/store"
)

type CreateBoardResult struct {
	Tx      string
	BoardID string
}

// CreateBoard provisions a board record with a fresh dealer keypair and
// returns the unsigned on-chain create transaction. The board stays
// unconfirmed (invisible to players) until the ledger callback lands.
func (g *Game) CreateBoard(ctx context.Context, creator string, limit int64) (*CreateBoardResult, error) {
	if limit <= 0 {
		return nil, ruleErrf("limit must be positive")
	}
	player, err := g.DB.GetPlayerByOwner(ctx, creator)
	if err != nil {
		return nil, err
	}
	if player == nil {
		return nil, &NotFoundError{What: "player"}
	}

	u := uuid.New()
	boardID := hex.EncodeToString(u[:])

	dealerPub, dealerPriv, err := g.Ledger.NewDealer()
	if err != nil {
		return nil, err
	}
	if err := g.DB.InsertKeypair(ctx, dealerPub, dealerPriv); err != nil {
		return nil, err
	}

	boardAddr, err := g.Ledger.BoardAddress(u[:])
	if err != nil {
		return nil, err
	}
	exists, err := g.Ledger.AccountExists(ctx, boardAddr)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ruleErrf("board address already in use")
	}

	payload, err := ledger.CreatePayload(boardID)
	if err != nil {
		return nil, err
	}
	built, err := g.Ledger.BuildTx(ctx, creator, ledger.Instruction{
		Op: ledger.OpCreate,
		Accounts: []ledger.AccountMeta{
			{Address: creator, Signer: true, Writable: true},
			{Address: dealerPub, Signer: true},
			{Address: boardAddr, Writable: true},
			{Address: ledger.SystemProgram},
		},
		Payload: payload,
	}, dealerPriv)
	if err != nil {
		return nil, err
	}

	if err := g.DB.CreateBoard(ctx, store.Board{
		ID:      boardID,
		Address: boardAddr,
		Dealer:  dealerPub,
		Creator: creator,
		Limit:   limit,
	}); err != nil {
		return nil, err
	}
	return &CreateBoardResult{Tx: built.Base64, BoardID: boardID}, nil
}

// SubmitSigned takes a caller-signed transaction, pushes it to the ledger,
// waits for confirmation and hands the confirmed instruction to the sink
// registered for its opcode.
func (g *Game) SubmitSigned(ctx context.Context, txBase64 string) (string, error) {
	tx, err := g.Ledger.DecodeSigned(txBase64)
	if err != nil {
		return "", ruleErrf("malformed transaction: %v", err)
	}
	sig, err := g.Ledger.SubmitAndConfirm(ctx, tx.Raw)
	if err != nil {
		return "", err
	}
	if g.Events != nil {
		g.Events.Dispatch(ctx, tx.Op, ledger.Event{
			Accounts:   tx.Accounts,
			Payload:    tx.Payload,
			Signatures: tx.Signatures,
		})
	}
	return sig, nil
}

// HandleCreateConfirmed is the ledger sink for the Create opcode: it marks
// the board confirmed, seeds its ephemeral state and provisions its
// broadcast stream.
func (g *Game) HandleCreateConfirmed(ctx context.Context, ev ledger.Event) error {
	boardID, err := ledger.ParseBoardID(ev.Payload)
	if err != nil {
		return err
	}
	if len(ev.Signatures) == 0 {
		return nil
	}
	board, err := g.DB.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if board == nil {
		return &NotFoundError{What: "board"}
	}
	if board.Confirmed {
		return nil // replayed confirmation
	}
	if err := g.DB.ConfirmBoard(ctx, boardID, ev.Signatures[0]); err != nil {
		return err
	}
	if err := g.State.InitBoard(ctx, boardID, board.Limit); err != nil {
		return err
	}
	if err := g.Bus.EnsureBoardStream(ctx, boardID); err != nil {
		return err
	}
	if err := g.State.ArmIdleTimer(ctx, boardID, g.Instance, idleTurnTTL); err != nil {
		return err
	}
	return g.Sync(ctx, boardID)
}
