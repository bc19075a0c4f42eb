package velocity

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"

	"github.com/opensource-finance/chainguard/internal/domain"
)

// NormalizeAddress returns a canonical form of an on-chain address and its family.
// EVM addresses are checksummed so that case variants count as one party.
// Solana keys are case-sensitive and kept verbatim.
func NormalizeAddress(addr string) (string, string) {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex(), domain.ChainEVM
	}
	if _, err := solana.PublicKeyFromBase58(addr); err == nil {
		return addr, domain.ChainSolana
	}
	return addr, domain.ChainUnknown
}

// Chain classifies an address as "evm", "solana" or "unknown".
func Chain(addr string) string {
	_, chain := NormalizeAddress(addr)
	return chain
}
