package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/wnt/fortuna/internal/draw"
	"github.com/wnt/fortuna/internal/rpc"
)

// slotTime is the nominal slot duration, used to guess how far back the
// search for the first block past the draw time has to start.
const slotTime = 400 * time.Millisecond

// ErrBeaconNotReady is returned when no finalized block past the draw time
// appeared before the context ended.
var ErrBeaconNotReady = errors.New("no finalized block after draw time yet")

// Beacon reads the draw randomness from finalized Solana blocks.
type Beacon struct {
	caller   *rpc.Caller
	interval time.Duration
	logger   zerolog.Logger
}

// NewBeacon creates a Beacon polling every interval while waiting for a block.
func NewBeacon(caller *rpc.Caller, interval time.Duration, logger zerolog.Logger) *Beacon {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Beacon{
		caller:   caller,
		interval: interval,
		logger:   logger.With().Str("component", "beacon").Logger(),
	}
}

// Observe returns the first finalized block whose block time is not before
// after. It waits until the finalized tip has passed after and then searches
// back from it, so every call for the same after yields the same block.
func (b *Beacon) Observe(ctx context.Context, after time.Time) (draw.BeaconValue, error) {
	tip, tipTime, err := b.waitForTip(ctx, after)
	if err != nil {
		return draw.BeaconValue{}, err
	}

	slot, err := b.firstBlockAfter(ctx, after, tip, tipTime)
	if err != nil {
		return draw.BeaconValue{}, err
	}

	hash, blockTime, err := b.block(ctx, slot)
	if err != nil {
		return draw.BeaconValue{}, err
	}

	b.logger.Debug().
		Uint64("slot", slot).
		Uint64("tip", tip).
		Str("blockhash", hash).
		Time("block_time", blockTime).
		Msg("Observed beacon block")
	return draw.BeaconValue{Slot: slot, Hash: hash}, nil
}

// waitForTip polls the finalized slot until its block time reaches after.
func (b *Beacon) waitForTip(ctx context.Context, after time.Time) (uint64, time.Time, error) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var last time.Time
	for {
		slot, err := b.finalizedSlot(ctx)
		var blockTime time.Time
		if err == nil {
			blockTime, err = b.blockTime(ctx, slot)
		}
		if err != nil {
			if ctx.Err() != nil && !last.IsZero() {
				return 0, time.Time{}, fmt.Errorf("%w: last block %s", ErrBeaconNotReady, last.Format(time.RFC3339))
			}
			return 0, time.Time{}, err
		}
		last = blockTime
		if !blockTime.Before(after) {
			return slot, blockTime, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, time.Time{}, fmt.Errorf("%w: last block %s", ErrBeaconNotReady, blockTime.Format(time.RFC3339))
		}
	}
}

// firstBlockAfter finds the lowest slot holding a block whose time is not
// before after. tip is known to satisfy it. Block times never decrease with
// the slot, so the search gallops back from tip to a slot that does not
// satisfy it and then bisects.
func (b *Beacon) firstBlockAfter(ctx context.Context, after time.Time, tip uint64, tipTime time.Time) (uint64, error) {
	reached := func(slot uint64) (bool, error) {
		next, err := b.nextBlock(ctx, slot, tip)
		if err != nil {
			return false, err
		}
		t, err := b.blockTime(ctx, next)
		if err != nil {
			return false, err
		}
		return !t.Before(after), nil
	}

	hi := tip
	step := uint64(tipTime.Sub(after)/slotTime) + 2
	var lo uint64
	for {
		if step >= hi {
			ok, err := reached(0)
			if err != nil {
				return 0, err
			}
			if ok {
				return b.nextBlock(ctx, 0, tip)
			}
			lo = 0
			break
		}
		lo = hi - step
		ok, err := reached(lo)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		hi = lo
		step *= 2
	}

	// reached(lo) is false and reached(hi) is true.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := reached(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid
		}
	}
	return b.nextBlock(ctx, hi, tip)
}

// nextBlock returns the first finalized slot at or after slot that holds a
// block. Skipped slots are passed over.
func (b *Beacon) nextBlock(ctx context.Context, slot, tip uint64) (uint64, error) {
	var blocks *solrpc.BlocksResult
	err := b.caller.Call(ctx, "getBlocksWithLimit", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		blocks, err = client.GetBlocksWithLimit(ctx, slot, 1, solrpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get blocks from slot %d: %w", slot, err)
	}
	if blocks == nil || len(*blocks) == 0 {
		return tip, nil
	}
	return (*blocks)[0], nil
}

func (b *Beacon) finalizedSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := b.caller.Call(ctx, "getSlot", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		slot, err = client.GetSlot(ctx, solrpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get finalized slot: %w", err)
	}
	return slot, nil
}

func (b *Beacon) blockTime(ctx context.Context, slot uint64) (time.Time, error) {
	var ts *solanago.UnixTimeSeconds
	err := b.caller.Call(ctx, "getBlockTime", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		ts, err = client.GetBlockTime(ctx, slot)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get block time of slot %d: %w", slot, err)
	}
	if ts == nil {
		return time.Time{}, fmt.Errorf("block %d has no block time", slot)
	}
	return ts.Time().UTC(), nil
}

func (b *Beacon) block(ctx context.Context, slot uint64) (string, time.Time, error) {
	rewards := false
	version := uint64(0)
	var block *solrpc.GetBlockResult
	err := b.caller.Call(ctx, "getBlock", func(ctx context.Context, client *solrpc.Client) error {
		var err error
		block, err = client.GetBlockWithOpts(ctx, slot, &solrpc.GetBlockOpts{
			TransactionDetails:             solrpc.TransactionDetailsNone,
			Rewards:                        &rewards,
			Commitment:                     solrpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &version,
		})
		return err
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get block %d: %w", slot, err)
	}
	if block == nil || block.BlockTime == nil {
		return "", time.Time{}, fmt.Errorf("block %d has no block time", slot)
	}
	return block.Blockhash.String(), block.BlockTime.Time().UTC(), nil
}
