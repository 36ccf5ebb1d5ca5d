package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	seedPlayer = "player"
	seedBoard  = "board"

	confirmTimeout = 90 * time.Second
	confirmPoll    = 3 * time.Second
)

// Solana implements Gateway against a Solana RPC node.
type Solana struct {
	client    *rpc.Client
	programID solana.PublicKey
}

func NewSolana(rpcURL, programID string) (*Solana, error) {
	pid, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("bad program id: %w", err)
	}
	return &Solana{client: rpc.New(rpcURL), programID: pid}, nil
}

func (s *Solana) BuildTx(ctx context.Context, payer string, ix Instruction, cosignKeys ...string) (*BuiltTx, error) {
	payerPK, err := solana.PublicKeyFromBase58(payer)
	if err != nil {
		return nil, fmt.Errorf("bad payer: %w", err)
	}
	metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
	for _, a := range ix.Accounts {
		pk, err := solana.PublicKeyFromBase58(a.Address)
		if err != nil {
			return nil, fmt.Errorf("bad account %q: %w", a.Address, err)
		}
		metas = append(metas, &solana.AccountMeta{PublicKey: pk, IsSigner: a.Signer, IsWritable: a.Writable})
	}
	data := append([]byte{byte(ix.Op)}, ix.Payload...)

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, fmt.Errorf("latest blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{solana.NewInstruction(s.programID, metas, data)},
		recent.Value.Blockhash,
		solana.TransactionPayer(payerPK),
	)
	if err != nil {
		return nil, err
	}

	var ref string
	if len(cosignKeys) > 0 {
		keys := make(map[solana.PublicKey]*solana.PrivateKey, len(cosignKeys))
		for _, k := range cosignKeys {
			priv, err := solana.PrivateKeyFromBase58(k)
			if err != nil {
				return nil, fmt.Errorf("bad cosign key: %w", err)
			}
			p := priv
			keys[p.PublicKey()] = &p
		}
		if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
			return keys[key]
		}); err != nil {
			return nil, fmt.Errorf("cosign: %w", err)
		}
		for _, sig := range tx.Signatures {
			if !sig.IsZero() {
				ref = sig.String()
				break
			}
		}
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &BuiltTx{Base64: base64.StdEncoding.EncodeToString(raw), RefSignature: ref}, nil
}

func (s *Solana) DecodeSigned(txBase64 string) (*SignedTx, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return nil, fmt.Errorf("bad transaction encoding: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("bad transaction: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return nil, errors.New("transaction has no signatures")
	}
	if len(tx.Message.Instructions) != 1 {
		return nil, errors.New("transaction must carry exactly one instruction")
	}
	ci := tx.Message.Instructions[0]
	if int(ci.ProgramIDIndex) >= len(tx.Message.AccountKeys) ||
		!tx.Message.AccountKeys[ci.ProgramIDIndex].Equals(s.programID) {
		return nil, errors.New("transaction targets the wrong program")
	}
	data := []byte(ci.Data)
	if len(data) == 0 {
		return nil, errors.New("empty instruction data")
	}
	accounts := make([]string, 0, len(ci.Accounts))
	for _, idx := range ci.Accounts {
		if int(idx) >= len(tx.Message.AccountKeys) {
			return nil, errors.New("account index out of range")
		}
		accounts = append(accounts, tx.Message.AccountKeys[idx].String())
	}
	sigs := make([]string, 0, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		sigs = append(sigs, sig.String())
	}
	return &SignedTx{
		Op:         Opcode(data[0]),
		Accounts:   accounts,
		Payload:    data[1:],
		Signatures: sigs,
		Raw:        raw,
	}, nil
}

func (s *Solana) SubmitAndConfirm(ctx context.Context, raw []byte) (string, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("bad transaction: %w", err)
	}

	sim, err := s.client.SimulateTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("simulate: %w", err)
	}
	if sim.Value.Err != nil {
		return "", fmt.Errorf("simulation failed: %v", sim.Value.Err)
	}

	maxRetries := uint(5)
	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		MaxRetries:          &maxRetries,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	deadline := time.Now().Add(confirmTimeout)
	for {
		if time.Now().After(deadline) {
			return "", errors.New("transaction confirmation timed out")
		}
		st, err := s.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(st.Value) > 0 && st.Value[0] != nil {
			cs := st.Value[0].ConfirmationStatus
			if cs == rpc.ConfirmationStatusConfirmed || cs == rpc.ConfirmationStatusFinalized {
				return sig.String(), nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(confirmPoll):
		}
	}
}

func (s *Solana) AccountExists(ctx context.Context, address string) (bool, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return false, fmt.Errorf("bad address: %w", err)
	}
	out, err := s.client.GetAccountInfo(ctx, pk)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return out != nil && out.Value != nil, nil
}

func (s *Solana) PlayerAddress(owner string) (string, error) {
	pk, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("bad owner: %w", err)
	}
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(seedPlayer), pk.Bytes()}, s.programID)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func (s *Solana) BoardAddress(boardID []byte) (string, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(seedBoard), boardID}, s.programID)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

func (s *Solana) NewDealer() (string, string, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return "", "", err
	}
	return priv.PublicKey().String(), priv.String(), nil
}
