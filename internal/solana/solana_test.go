package solana

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/fortuna/internal/rpc"
)

const testBlockhash = "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"

// fakeNode answers JSON-RPC calls from canned results keyed by method, or
// from handle when it is set.
type fakeNode struct {
	mu      sync.Mutex
	results map[string]any
	handle  func(method string, params []json.RawMessage) (any, error)
	calls   map[string]int
}

func newFakeNode(t *testing.T, results map[string]any) (*fakeNode, *rpc.Caller) {
	t.Helper()
	node := &fakeNode{results: results, calls: map[string]int{}}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	pool, err := rpc.NewPool([]string{srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	return node, rpc.NewCaller(pool, zerolog.Nop(), rpc.WithBackoff(1, time.Millisecond))
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	result, ok := n.results[req.Method]
	handle := n.handle
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case handle != nil:
		if out, err := handle(req.Method, req.Params); err != nil {
			resp["error"] = map[string]any{"code": -32009, "message": err.Error()}
		} else {
			resp["result"] = out
		}
	case ok:
		resp["result"] = result
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func newKey(t *testing.T) solanago.PrivateKey {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func TestNewTreasuryRejectsBadKey(t *testing.T) {
	_, err := NewTreasury(nil, "", zerolog.Nop())
	assert.Error(t, err)
	_, err = NewTreasury(nil, "not-a-key", zerolog.Nop())
	assert.Error(t, err)
}

func TestPrepareSignsLocally(t *testing.T) {
	node, caller := newFakeNode(t, map[string]any{
		"getLatestBlockhash": map[string]any{
			"context": map[string]any{"slot": 100},
			"value":   map[string]any{"blockhash": testBlockhash, "lastValidBlockHeight": 250},
		},
	})
	key := newKey(t)
	treasury, err := NewTreasury(caller, key.String(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), treasury.Address())

	to := newKey(t).PublicKey().String()
	transfer, err := treasury.Prepare(context.Background(), to, 50_000_000)
	require.NoError(t, err)

	assert.Equal(t, uint64(250), transfer.LastValidBlockHeight)
	assert.NotEmpty(t, transfer.Raw)
	_, err = solanago.SignatureFromBase58(transfer.Signature)
	assert.NoError(t, err)
	assert.Equal(t, 1, node.count("getLatestBlockhash"))
	assert.Zero(t, node.count("sendTransaction"))
}

func TestPrepareValidatesInput(t *testing.T) {
	_, caller := newFakeNode(t, nil)
	treasury, err := NewTreasury(caller, newKey(t).String(), zerolog.Nop())
	require.NoError(t, err)

	_, err = treasury.Prepare(context.Background(), "bogus", 10)
	assert.Error(t, err)
	_, err = treasury.Prepare(context.Background(), newKey(t).PublicKey().String(), 0)
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	sig := solanago.Signature{1, 2, 3}.String()

	tests := []struct {
		name  string
		value any
		want  Status
	}{
		{
			name:  "unknown",
			value: []any{nil},
			want:  Status{},
		},
		{
			name:  "finalized",
			value: []any{map[string]any{"slot": 72, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"}},
			want:  Status{Found: true, Finalized: true},
		},
		{
			name:  "processed",
			value: []any{map[string]any{"slot": 72, "confirmations": 1, "err": nil, "confirmationStatus": "processed"}},
			want:  Status{Found: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, caller := newFakeNode(t, map[string]any{
				"getSignatureStatuses": map[string]any{
					"context": map[string]any{"slot": 80},
					"value":   tt.value,
				},
			})
			treasury, err := NewTreasury(caller, newKey(t).String(), zerolog.Nop())
			require.NoError(t, err)

			got, err := treasury.Status(context.Background(), sig)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusOnChainError(t *testing.T) {
	_, caller := newFakeNode(t, map[string]any{
		"getSignatureStatuses": map[string]any{
			"context": map[string]any{"slot": 80},
			"value": []any{map[string]any{
				"slot":               72,
				"err":                map[string]any{"InstructionError": []any{0, "Custom"}},
				"confirmationStatus": "finalized",
			}},
		},
	})
	treasury, err := NewTreasury(caller, newKey(t).String(), zerolog.Nop())
	require.NoError(t, err)

	got, err := treasury.Status(context.Background(), solanago.Signature{9}.String())
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.True(t, got.Failed())
}

func TestBlockHeight(t *testing.T) {
	_, caller := newFakeNode(t, map[string]any{"getBlockHeight": 1234})
	treasury, err := NewTreasury(caller, newKey(t).String(), zerolog.Nop())
	require.NoError(t, err)

	height, err := treasury.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), height)
}

// fakeChain is a finalized ledger starting at slot first with one slot
// every 400ms from genesis and some skipped slots.
type fakeChain struct {
	mu      sync.Mutex
	first   uint64
	tip     uint64
	genesis time.Time
	skipped map[uint64]bool
}

func (c *fakeChain) setTip(tip uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip = tip
}

func (c *fakeChain) blockTime(slot uint64) int64 {
	return c.genesis.Add(time.Duration(slot-c.first) * slotTime).Unix()
}

func blockhashOf(slot uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], slot)
	sum := sha256.Sum256(b[:])
	return solanago.HashFromBytes(sum[:]).String()
}

func (c *fakeChain) handle(method string, params []json.RawMessage) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slotParam := func() (uint64, error) {
		if len(params) == 0 {
			return 0, fmt.Errorf("missing slot")
		}
		var slot uint64
		err := json.Unmarshal(params[0], &slot)
		return slot, err
	}

	switch method {
	case "getSlot":
		return c.tip, nil
	case "getBlocksWithLimit":
		start, err := slotParam()
		if err != nil {
			return nil, err
		}
		var limit uint64
		if err := json.Unmarshal(params[1], &limit); err != nil {
			return nil, err
		}
		if start < c.first {
			start = c.first
		}
		blocks := []uint64{}
		for s := start; s <= c.tip && uint64(len(blocks)) < limit; s++ {
			if !c.skipped[s] {
				blocks = append(blocks, s)
			}
		}
		return blocks, nil
	case "getBlockTime", "getBlock":
		slot, err := slotParam()
		if err != nil {
			return nil, err
		}
		if slot < c.first || slot > c.tip || c.skipped[slot] {
			return nil, fmt.Errorf("slot %d was skipped or is not available", slot)
		}
		if method == "getBlockTime" {
			return c.blockTime(slot), nil
		}
		return map[string]any{
			"blockhash":         blockhashOf(slot),
			"previousBlockhash": blockhashOf(slot - 1),
			"parentSlot":        slot - 1,
			"blockTime":         c.blockTime(slot),
		}, nil
	}
	return nil, fmt.Errorf("method %s not supported", method)
}

func newFakeChain(t *testing.T, tip uint64) (*fakeChain, *fakeNode, *rpc.Caller) {
	t.Helper()
	chain := &fakeChain{
		first:   1000,
		tip:     tip,
		genesis: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		skipped: map[uint64]bool{1050: true, 1051: true},
	}
	node, caller := newFakeNode(t, nil)
	node.mu.Lock()
	node.handle = chain.handle
	node.mu.Unlock()
	return chain, node, caller
}

func TestBeaconObservePicksFirstBlockPastDrawTime(t *testing.T) {
	chain, _, caller := newFakeChain(t, 1100)
	beacon := NewBeacon(caller, time.Millisecond, zerolog.Nop())

	// Slots 1050 and 1051 are the first at +20s but were skipped, and
	// 1049 is still at +19s.
	drawTime := chain.genesis.Add(20 * time.Second)
	value, err := beacon.Observe(context.Background(), drawTime)
	require.NoError(t, err)
	assert.Equal(t, uint64(1052), value.Slot)
	assert.Equal(t, blockhashOf(1052), value.Hash)
}

func TestBeaconObserveDoesNotDependOnTip(t *testing.T) {
	chain, _, caller := newFakeChain(t, 1060)
	beacon := NewBeacon(caller, time.Millisecond, zerolog.Nop())
	drawTime := chain.genesis.Add(10 * time.Second)

	first, err := beacon.Observe(context.Background(), drawTime)
	require.NoError(t, err)
	assert.Equal(t, uint64(1025), first.Slot)

	for _, tip := range []uint64{1200, 5000, 40000} {
		chain.setTip(tip)
		again, err := beacon.Observe(context.Background(), drawTime)
		require.NoError(t, err)
		assert.Equal(t, first, again, "tip %d", tip)
	}
}

func TestBeaconObserveBeforeFirstBlock(t *testing.T) {
	chain, _, caller := newFakeChain(t, 1100)
	beacon := NewBeacon(caller, time.Millisecond, zerolog.Nop())

	value, err := beacon.Observe(context.Background(), chain.genesis.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), value.Slot)
}

func TestBeaconWaitsForLaterBlock(t *testing.T) {
	chain, node, caller := newFakeChain(t, 1100)
	beacon := NewBeacon(caller, time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := beacon.Observe(ctx, chain.genesis.Add(time.Hour))
	assert.ErrorIs(t, err, ErrBeaconNotReady)
	assert.Zero(t, node.count("getBlock"))
}
