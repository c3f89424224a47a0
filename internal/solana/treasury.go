package solana

import (
	"context"
	"errors"
	"fmt"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/fortuna/internal/rpc"
)

// Transfer is a signed SOL transfer ready to be submitted. The signature is
// fixed at signing time, so it can be recorded before the network sees it.
type Transfer struct {
	Signature            string
	LastValidBlockHeight uint64
	Raw                  []byte
}

// Status is what the cluster knows about a signature.
type Status struct {
	Found     bool
	Finalized bool
	Err       string
}

// Failed reports whether the transaction landed with an error.
func (s Status) Failed() bool { return s.Err != "" }

// Treasury pays prizes out of the treasury wallet.
type Treasury struct {
	caller *rpc.Caller
	key    solanago.PrivateKey
	logger zerolog.Logger
}

// NewTreasury parses the base58 treasury key and binds it to caller.
func NewTreasury(caller *rpc.Caller, privateKey string, logger zerolog.Logger) (*Treasury, error) {
	if privateKey == "" {
		return nil, errors.New("treasury private key is empty")
	}
	key, err := solanago.PrivateKeyFromBase58(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury private key: %w", err)
	}
	return &Treasury{
		caller: caller,
		key:    key,
		logger: logger.With().Str("component", "treasury").Str("treasury", key.PublicKey().String()).Logger(),
	}, nil
}

// Address returns the treasury wallet address.
func (t *Treasury) Address() string {
	return t.key.PublicKey().String()
}

// Prepare builds and signs a transfer of lamports to wallet against a fresh
// finalized blockhash.
func (t *Treasury) Prepare(ctx context.Context, wallet string, lamports int64) (Transfer, error) {
	if lamports <= 0 {
		return Transfer{}, fmt.Errorf("transfer amount must be positive, got %d", lamports)
	}
	to, err := solanago.PublicKeyFromBase58(wallet)
	if err != nil {
		return Transfer{}, fmt.Errorf("invalid wallet address %q: %w", wallet, err)
	}

	var latest *solrpc.GetLatestBlockhashResult
	err = t.caller.Call(ctx, "getLatestBlockhash", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		latest, err = client.GetLatestBlockhash(ctx, solrpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return Transfer{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if latest == nil || latest.Value == nil {
		return Transfer{}, errors.New("empty latest blockhash response")
	}

	payer := t.key.PublicKey()
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			system.NewTransferInstruction(uint64(lamports), payer, to).Build(),
		},
		latest.Value.Blockhash,
		solanago.TransactionPayer(payer),
	)
	if err != nil {
		return Transfer{}, fmt.Errorf("failed to build transfer: %w", err)
	}

	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(payer) {
			return &t.key
		}
		return nil
	}); err != nil {
		return Transfer{}, fmt.Errorf("failed to sign transfer: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return Transfer{}, fmt.Errorf("failed to encode transfer: %w", err)
	}

	return Transfer{
		Signature:            tx.Signatures[0].String(),
		LastValidBlockHeight: latest.Value.LastValidBlockHeight,
		Raw:                  raw,
	}, nil
}

// Send submits a prepared transfer. Resending the same bytes cannot pay twice.
func (t *Treasury) Send(ctx context.Context, transfer Transfer) error {
	err := t.caller.Call(ctx, "sendTransaction", func(ctx context.Context, client *solrpc.Client) error {
		_, err := client.SendRawTransactionWithOpts(ctx, transfer.Raw, solrpc.TransactionOpts{
			PreflightCommitment: solrpc.CommitmentFinalized,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send transfer %s: %w", transfer.Signature, err)
	}
	t.logger.Info().Str("signature", transfer.Signature).Msg("Transfer submitted")
	return nil
}

// Status looks a signature up, searching the ledger history.
func (t *Treasury) Status(ctx context.Context, signature string) (Status, error) {
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return Status{}, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	var out *solrpc.GetSignatureStatusesResult
	err = t.caller.Call(ctx, "getSignatureStatuses", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		out, err = client.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return Status{}, nil
	}

	st := out.Value[0]
	status := Status{
		Found:     true,
		Finalized: st.ConfirmationStatus == solrpc.ConfirmationStatusFinalized,
	}
	if st.Err != nil {
		status.Err = fmt.Sprint(st.Err)
	}
	return status, nil
}

// BlockHeight returns the finalized block height.
func (t *Treasury) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := t.caller.Call(ctx, "getBlockHeight", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		height, err = client.GetBlockHeight(ctx, solrpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return height, nil
}
