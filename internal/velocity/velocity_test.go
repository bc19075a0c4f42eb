package velocity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/chainguard/internal/domain"
)

const (
	evmA    = "0x52908400098527886E0F7030069857D2E4169EE7"
	evmB    = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
	solKey  = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	unknown = "wallet-42"
)

var base = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func tx(id, from, to string, amount float64, offset time.Duration) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		Timestamp: base.Add(offset),
		Sender:    from,
		Receiver:  to,
		Amount:    amount,
		Currency:  "USDC",
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantAddr  string
		wantChain string
	}{
		{"evm checksummed", evmA, evmA, domain.ChainEVM},
		{"evm lowercase", "0x52908400098527886e0f7030069857d2e4169ee7", evmA, domain.ChainEVM},
		{"evm padded", "  " + evmB + " ", evmB, domain.ChainEVM},
		{"solana", solKey, solKey, domain.ChainSolana},
		{"unknown", unknown, unknown, domain.ChainUnknown},
		{"short hex", "0x1234", "0x1234", domain.ChainUnknown},
		{"empty", "", "", domain.ChainUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, chain := NormalizeAddress(tt.in)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantChain, chain)
		})
	}
}

func TestTypeAttributes(t *testing.T) {
	got := TypeAttributes(map[string]string{
		"wallet_age_days": "12",
		"fee":             " 0.25 ",
		"kyc":             "TRUE",
		"flagged":         "false",
		"label":           "exchange",
		"empty":           "  ",
		"score":           "NaN",
		"limit":           "-Inf",
		"ceiling":         "infinity",
	})

	assert.Equal(t, map[string]any{
		"wallet_age_days": 12.0,
		"fee":             0.25,
		"kyc":             true,
		"flagged":         false,
		"label":           "exchange",
	}, got)

	assert.Empty(t, TypeAttributes(nil))
}

func TestBuildStats_Counts(t *testing.T) {
	txs := []*domain.Transaction{
		tx("t1", evmA, evmB, 100, 0),
		tx("t2", evmA, solKey, 300, 10*time.Minute),
		// Case variant of evmA is the same party
		tx("t3", "0x52908400098527886e0f7030069857d2e4169ee7", evmB, 200, 20*time.Minute),
		tx("t4", evmB, evmA, 50, 30*time.Minute),
	}
	stats := BuildStats(txs)
	assert.Equal(t, 3, stats.Addresses())

	ec := stats.Context(txs[0])
	assert.EqualValues(t, 3, ec.SenderTxCount)
	assert.InDelta(t, 200.0, ec.SenderAvgAmount, 1e-9)
	assert.EqualValues(t, 1, ec.SenderIncomingCount)
	assert.EqualValues(t, 2, ec.ReceiverIncomingCount)
	assert.Equal(t, domain.ChainEVM, ec.SenderChain)
	assert.Equal(t, domain.ChainEVM, ec.ReceiverChain)

	ec = stats.Context(txs[1])
	assert.Equal(t, domain.ChainSolana, ec.ReceiverChain)
	assert.EqualValues(t, 1, ec.ReceiverIncomingCount)

	ec = stats.Context(txs[3])
	assert.EqualValues(t, 1, ec.SenderTxCount)
	assert.EqualValues(t, 2, ec.SenderIncomingCount)
}

func TestBuildStats_TrailingHour(t *testing.T) {
	txs := []*domain.Transaction{
		tx("t1", evmA, evmB, 1, 0),
		tx("t2", evmA, evmB, 1, 30*time.Minute),
		tx("t3", evmA, evmB, 1, 60*time.Minute), // window edge is inclusive
		tx("t4", evmA, evmB, 1, 61*time.Minute),
		tx("t5", evmA, evmB, 1, 3*time.Hour),
	}
	stats := BuildStats(txs)

	want := []int64{1, 2, 3, 3, 1}
	for i, tr := range txs {
		assert.Equal(t, want[i], stats.Context(tr).SenderTxLastHour, tr.ID)
	}
}

func TestBuildStats_UnorderedInput(t *testing.T) {
	txs := []*domain.Transaction{
		tx("late", evmA, evmB, 1, 50*time.Minute),
		tx("early", evmA, evmB, 1, 0),
		tx("mid", evmA, evmB, 1, 20*time.Minute),
	}
	stats := BuildStats(txs)

	assert.EqualValues(t, 3, stats.Context(txs[0]).SenderTxLastHour)
	assert.EqualValues(t, 1, stats.Context(txs[1]).SenderTxLastHour)
	assert.EqualValues(t, 2, stats.Context(txs[2]).SenderTxLastHour)
}

func TestStats_ContextOutsideBatch(t *testing.T) {
	stats := BuildStats(nil)
	ec := stats.Context(tx("x", unknown, solKey, 10, 0))
	require.NotNil(t, ec)
	assert.Zero(t, ec.SenderTxCount)
	assert.Zero(t, ec.SenderAvgAmount)
	assert.Equal(t, domain.ChainUnknown, ec.SenderChain)
	assert.Equal(t, domain.ChainSolana, ec.ReceiverChain)
}
