// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"fmt"

	"github.com/luxfi/geth/common"
)

// ============================================================================
// MARKETS ADDRESS SCHEME (LP-9xxx)
// ============================================================================
//
// Market precompiles use trailing-significant 20-byte addresses:
//   Format: 0x0000000000000000000000000000000000PCII
//
//   P  = family page (9 = DEX/Markets)
//   C  = chain slot (0 = shared across EVM chains)
//   II = item within the family
//
// Example: margin broker = P=9, C=0, II=0x90 -> 0x...9090 (LP-9090)

const (
	LXPool       = "0x0000000000000000000000000000000000009010" // LP-9010 pool factory + pools
	LXOracle     = "0x0000000000000000000000000000000000009011" // LP-9011 price oracle
	LXRouter     = "0x0000000000000000000000000000000000009012" // LP-9012 swap router
	LXLend       = "0x0000000000000000000000000000000000009050" // LP-9050 lending pool
	MarginBroker = "0x0000000000000000000000000000000000009090" // LP-9090 margin broker proxy
)

// Family pages
const (
	PageMarkets uint8 = 9
)

// PrecompileAddress assembles an LP-aligned address from its nibbles.
func PrecompileAddress(p, c, ii uint8) common.Address {
	var addr common.Address
	addr[18] = (p&0x0F)<<4 | (c & 0x0F)
	addr[19] = ii
	return addr
}

// LPNumber returns the LP number encoded in the trailing two bytes of addr.
func LPNumber(addr common.Address) string {
	return fmt.Sprintf("LP-%02x%02x", addr[18], addr[19])
}

// PrecompileInfo contains metadata about a market precompile
type PrecompileInfo struct {
	Address     string
	Name        string
	Description string
	GasBase     uint64
}

// MarketPrecompiles lists the precompiles the broker is wired against
var MarketPrecompiles = []PrecompileInfo{
	{LXPool, "LX_POOL", "Pool factory with CREATE2 pool addresses and swap callbacks", 50000},
	{LXOracle, "LX_ORACLE", "Asset prices in base currency", 15000},
	{LXRouter, "LX_ROUTER", "Swap router", 10000},
	{LXLend, "LX_LEND", "Lending pool (Aave-style)", 25000},
	{MarginBroker, "MARGIN_BROKER", "Margin-swap broker proxy", 100000},
}

// GetPrecompileAddress returns the address for a precompile by name
func GetPrecompileAddress(name string) common.Address {
	for _, p := range MarketPrecompiles {
		if p.Name == name {
			return common.HexToAddress(p.Address)
		}
	}
	return common.Address{}
}
