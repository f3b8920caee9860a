// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dex implements the concentrated-liquidity style exchange the margin
// broker trades against: a pool factory with CREATE2-derived pool addresses
// and pools that pay out first and collect their input through a swap
// callback on the caller.
package dex

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"

	"github.com/parsdao/broker/contract"
)

// Pool fee tiers (hundredths of a basis point)
const (
	Fee001 uint24 = 100   // 0.01% - stablecoins
	Fee005 uint24 = 500   // 0.05% - stable pairs
	Fee030 uint24 = 3000  // 0.30% - standard
	Fee100 uint24 = 10000 // 1.00% - exotic pairs

	// FeeDenominator is the unit fees are expressed in.
	FeeDenominator = 1_000_000
)

// FeeTiers lists every fee tier a pool can be created with.
var FeeTiers = []uint24{Fee001, Fee005, Fee030, Fee100}

// PoolKey uniquely identifies a pool
// Sorted by token address (Token0 < Token1)
type PoolKey struct {
	Token0 common.Address
	Token1 common.Address
	Fee    uint24
}

// ID computes the storage identifier of the pool within its factory
func (pk PoolKey) ID() [32]byte {
	h := blake3.New()
	h.Write(pk.Token0.Bytes())
	h.Write(pk.Token1.Bytes())

	var feeBytes [4]byte
	binary.BigEndian.PutUint32(feeBytes[:], uint32(pk.Fee))
	h.Write(feeBytes[1:]) // uint24

	var id [32]byte
	h.Digest().Read(id[:])
	return id
}

// Salt is abi.encode(token0, token1, fee), the CREATE2 salt preimage.
func (pk PoolKey) Salt() []byte {
	data := make([]byte, 0, 96)
	data = append(data, common.LeftPadBytes(pk.Token0.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(pk.Token1.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(int64(pk.Fee)).Bytes(), 32)...)
	return data
}

// BalanceDelta represents the net token changes of a swap from the pool's
// point of view.
// Positive = owed to the pool, Negative = paid out by the pool
type BalanceDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// ZeroBalanceDelta returns a zero balance delta
func ZeroBalanceDelta() BalanceDelta {
	return BalanceDelta{
		Amount0: big.NewInt(0),
		Amount1: big.NewInt(0),
	}
}

// SwapParams contains parameters for a swap
type SwapParams struct {
	Recipient         common.Address
	ZeroForOne        bool     // true = swap token0 for token1
	AmountSpecified   *big.Int // Positive = exact input, Negative = exact output
	SqrtPriceLimitX96 *big.Int // Price limit (sqrt(price) * 2^96), nil or zero = none
	Data              []byte   // Passed through to the callback untouched
}

// SwapCallee is whoever invokes Pool.Swap. After sending the output the pool
// calls back with the signed deltas, and the callee must transfer the
// positive one to the pool before returning.
type SwapCallee interface {
	SwapCallback(state contract.StateDB, pool common.Address, amount0Delta, amount1Delta *big.Int, data []byte) error
}

// Errors - Core DEX
var (
	ErrPoolExists              = errors.New("pool already exists")
	ErrPoolNotFound            = errors.New("pool not found")
	ErrInsufficientLiquidity   = errors.New("insufficient liquidity")
	ErrPriceLimitReached       = errors.New("price limit reached")
	ErrInvalidFee              = errors.New("invalid fee")
	ErrIdenticalTokens         = errors.New("identical tokens")
	ErrZeroToken               = errors.New("zero token address")
	ErrInvalidSqrtPrice        = errors.New("invalid sqrt price")
	ErrReentrant               = errors.New("reentrancy detected")
	ErrNoLiquidity             = errors.New("no liquidity in pool")
	ErrZeroAmount              = errors.New("swap amount is zero")
	ErrInsufficientInputAmount = errors.New("callback did not pay the pool")
)

// Constants for math
var (
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	MinSqrtRatio    = new(big.Int).SetUint64(4295128739)
	MaxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)
)

// uint24 type alias for fees
type uint24 = uint32

// ValidFee reports whether fee is one of FeeTiers.
func ValidFee(fee uint24) bool {
	for _, tier := range FeeTiers {
		if tier == fee {
			return true
		}
	}
	return false
}
