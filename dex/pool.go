// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dex

import (
	"fmt"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/math"
	ethtypes "github.com/luxfi/geth/core/types"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/token"
)

// Storage keys kept at each pool's own address
var (
	reserve0Key  = contract.StorageKey([]byte("pool"), []byte("reserve0"))
	reserve1Key  = contract.StorageKey([]byte("pool"), []byte("reserve1"))
	lockKey      = contract.StorageKey([]byte("lock"))
	swapCountKey = contract.StorageKey([]byte("swaps"))

	swapEventTopic = common.BytesToHash(crypto.Keccak256([]byte("Swap(address,address,int256,int256,uint160,uint128,int24)")))
	mintEventTopic = common.BytesToHash(crypto.Keccak256([]byte("Mint(address,uint256,uint256)")))
)

// Pool is a handle on one deployed pool. Reserves, the reentrancy lock and
// the swap counter live in the pool's storage; the handle only carries the
// immutable key.
type Pool struct {
	Address common.Address
	Key     PoolKey

	factory *Factory
}

// Reserves returns the tracked token0 and token1 reserves.
func (p *Pool) Reserves(state contract.StateDB) (*big.Int, *big.Int) {
	return contract.GetBig(state, p.Address, reserve0Key), contract.GetBig(state, p.Address, reserve1Key)
}

// SqrtPriceX96 is sqrt(reserve1/reserve0) in Q64.96.
func (p *Pool) SqrtPriceX96(state contract.StateDB) *big.Int {
	r0, r1 := p.Reserves(state)
	return sqrtPriceX96(r0, r1)
}

// Liquidity is sqrt(reserve0 * reserve1).
func (p *Pool) Liquidity(state contract.StateDB) *big.Int {
	r0, r1 := p.Reserves(state)
	return new(big.Int).Sqrt(new(big.Int).Mul(r0, r1))
}

// SwapCount is the number of swaps this pool has executed.
func (p *Pool) SwapCount(state contract.StateDB) uint64 {
	return contract.GetUint64(state, p.Address, swapCountKey)
}

// AddLiquidity moves amount0 and amount1 from provider into the pool.
func (p *Pool) AddLiquidity(state contract.StateDB, provider common.Address, amount0, amount1 *big.Int) error {
	if amount0.Sign() <= 0 || amount1.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err := token.At(p.Key.Token0).Transfer(state, provider, p.Address, amount0); err != nil {
		return fmt.Errorf("add liquidity token0: %w", err)
	}
	if err := token.At(p.Key.Token1).Transfer(state, provider, p.Address, amount1); err != nil {
		return fmt.Errorf("add liquidity token1: %w", err)
	}
	r0, r1 := p.Reserves(state)
	contract.SetBig(state, p.Address, reserve0Key, r0.Add(r0, amount0))
	contract.SetBig(state, p.Address, reserve1Key, r1.Add(r1, amount1))

	state.AddLog(&ethtypes.Log{
		Address:     p.Address,
		Topics:      []common.Hash{mintEventTopic, common.BytesToHash(provider.Bytes())},
		Data:        append(common.LeftPadBytes(amount0.Bytes(), 32), common.LeftPadBytes(amount1.Bytes(), 32)...),
		BlockNumber: state.GetBlockNumber(),
	})
	return nil
}

// QuoteExactIn returns the output of swapping amountIn without executing.
func (p *Pool) QuoteExactIn(state contract.StateDB, zeroForOne bool, amountIn *big.Int) (*big.Int, error) {
	rIn, rOut := p.orient(state, zeroForOne)
	if rIn.Sign() == 0 || rOut.Sign() == 0 {
		return nil, ErrNoLiquidity
	}
	return GetAmountOut(amountIn, rIn, rOut, p.Key.Fee), nil
}

// QuoteExactOut returns the input needed for amountOut without executing.
func (p *Pool) QuoteExactOut(state contract.StateDB, zeroForOne bool, amountOut *big.Int) (*big.Int, error) {
	rIn, rOut := p.orient(state, zeroForOne)
	if rIn.Sign() == 0 || rOut.Sign() == 0 {
		return nil, ErrNoLiquidity
	}
	if amountOut.Cmp(rOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return GetAmountIn(amountOut, rIn, rOut, p.Key.Fee), nil
}

// Swap executes a swap. The output is sent to params.Recipient first, then
// callee.SwapCallback is invoked with the signed deltas and must pay the
// input into the pool. The returned delta is the pool's view: positive is
// what it received.
func (p *Pool) Swap(state contract.StateDB, callee SwapCallee, params SwapParams) (BalanceDelta, error) {
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() == 0 {
		return ZeroBalanceDelta(), ErrZeroAmount
	}

	// Reentrancy guard
	if contract.GetUint64(state, p.Address, lockKey) != 0 {
		return ZeroBalanceDelta(), ErrReentrant
	}
	contract.SetUint64(state, p.Address, lockKey, 1)
	defer contract.SetUint64(state, p.Address, lockKey, 0)

	r0, r1 := p.Reserves(state)
	if r0.Sign() == 0 || r1.Sign() == 0 {
		return ZeroBalanceDelta(), ErrNoLiquidity
	}
	priceBefore := sqrtPriceX96(r0, r1)

	limit := params.SqrtPriceLimitX96
	hasLimit := limit != nil && limit.Sign() != 0
	if hasLimit {
		if params.ZeroForOne && (limit.Cmp(priceBefore) >= 0 || limit.Cmp(MinSqrtRatio) <= 0) {
			return ZeroBalanceDelta(), fmt.Errorf("%w: limit %s, price %s", ErrInvalidSqrtPrice, limit, priceBefore)
		}
		if !params.ZeroForOne && (limit.Cmp(priceBefore) <= 0 || limit.Cmp(MaxSqrtRatio) >= 0) {
			return ZeroBalanceDelta(), fmt.Errorf("%w: limit %s, price %s", ErrInvalidSqrtPrice, limit, priceBefore)
		}
	}

	rIn, rOut := r0, r1
	tokenIn, tokenOut := p.Key.Token0, p.Key.Token1
	if !params.ZeroForOne {
		rIn, rOut = r1, r0
		tokenIn, tokenOut = p.Key.Token1, p.Key.Token0
	}

	var amountIn, amountOut *big.Int
	if params.AmountSpecified.Sign() > 0 {
		amountIn = new(big.Int).Set(params.AmountSpecified)
		amountOut = GetAmountOut(amountIn, rIn, rOut, p.Key.Fee)
		if amountOut.Sign() == 0 {
			return ZeroBalanceDelta(), fmt.Errorf("%w: %s in yields nothing", ErrInsufficientLiquidity, amountIn)
		}
	} else {
		amountOut = new(big.Int).Neg(params.AmountSpecified)
		if amountOut.Cmp(rOut) >= 0 {
			return ZeroBalanceDelta(), fmt.Errorf("%w: want %s, reserve %s", ErrInsufficientLiquidity, amountOut, rOut)
		}
		amountIn = GetAmountIn(amountOut, rIn, rOut, p.Key.Fee)
	}

	newIn := new(big.Int).Add(rIn, amountIn)
	newOut := new(big.Int).Sub(rOut, amountOut)
	new0, new1 := newIn, newOut
	if !params.ZeroForOne {
		new0, new1 = newOut, newIn
	}
	priceAfter := sqrtPriceX96(new0, new1)
	if hasLimit {
		if params.ZeroForOne && priceAfter.Cmp(limit) < 0 {
			return ZeroBalanceDelta(), fmt.Errorf("%w: %s below %s", ErrPriceLimitReached, priceAfter, limit)
		}
		if !params.ZeroForOne && priceAfter.Cmp(limit) > 0 {
			return ZeroBalanceDelta(), fmt.Errorf("%w: %s above %s", ErrPriceLimitReached, priceAfter, limit)
		}
	}

	contract.SetBig(state, p.Address, reserve0Key, new0)
	contract.SetBig(state, p.Address, reserve1Key, new1)

	if err := token.At(tokenOut).Transfer(state, p.Address, params.Recipient, amountOut); err != nil {
		return ZeroBalanceDelta(), fmt.Errorf("pay out: %w", err)
	}

	delta := BalanceDelta{Amount0: new(big.Int).Neg(amountOut), Amount1: new(big.Int).Set(amountIn)}
	if params.ZeroForOne {
		delta = BalanceDelta{Amount0: new(big.Int).Set(amountIn), Amount1: new(big.Int).Neg(amountOut)}
	}

	inLedger := token.At(tokenIn)
	balanceBefore := inLedger.BalanceOf(state, p.Address)
	if err := callee.SwapCallback(state, p.Address, new(big.Int).Set(delta.Amount0), new(big.Int).Set(delta.Amount1), params.Data); err != nil {
		return ZeroBalanceDelta(), err
	}
	balanceAfter := inLedger.BalanceOf(state, p.Address)
	if balanceAfter.Cmp(new(big.Int).Add(balanceBefore, amountIn)) < 0 {
		return ZeroBalanceDelta(), fmt.Errorf("%w: pool %s expected %s of %s", ErrInsufficientInputAmount, p.Address.Hex(), amountIn, tokenIn.Hex())
	}

	contract.SetUint64(state, p.Address, swapCountKey, p.SwapCount(state)+1)
	if p.factory != nil {
		contract.SetUint64(state, p.factory.Address, totalSwapsKey, p.factory.TotalSwaps(state)+1)
	}

	data := make([]byte, 0, 128)
	data = append(data, math.U256Bytes(new(big.Int).Set(delta.Amount0))...)
	data = append(data, math.U256Bytes(new(big.Int).Set(delta.Amount1))...)
	data = append(data, common.LeftPadBytes(priceAfter.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).Sqrt(new(big.Int).Mul(new0, new1)).Bytes(), 32)...)
	state.AddLog(&ethtypes.Log{
		Address:     p.Address,
		Topics:      []common.Hash{swapEventTopic, common.BytesToHash(params.Recipient.Bytes())},
		Data:        data,
		BlockNumber: state.GetBlockNumber(),
	})
	return delta, nil
}

func (p *Pool) orient(state contract.StateDB, zeroForOne bool) (*big.Int, *big.Int) {
	r0, r1 := p.Reserves(state)
	if zeroForOne {
		return r0, r1
	}
	return r1, r0
}

// GetAmountOut is the constant-product output for amountIn after the fee,
// rounded down.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, fee uint24) *big.Int {
	inAfterFee := new(big.Int).Mul(amountIn, big.NewInt(int64(FeeDenominator-fee)))
	num := new(big.Int).Mul(inAfterFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(FeeDenominator))
	den.Add(den, inAfterFee)
	return num.Div(num, den)
}

// GetAmountIn is the input needed for amountOut including the fee, rounded
// up.
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int, fee uint24) *big.Int {
	num := new(big.Int).Mul(reserveIn, amountOut)
	num.Mul(num, big.NewInt(FeeDenominator))
	den := new(big.Int).Sub(reserveOut, amountOut)
	den.Mul(den, big.NewInt(int64(FeeDenominator-fee)))
	return ceilDiv(num, den)
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func sqrtPriceX96(r0, r1 *big.Int) *big.Int {
	if r0.Sign() == 0 {
		return big.NewInt(0)
	}
	ratio := new(big.Int).Lsh(r1, 192)
	ratio.Div(ratio, r0)
	return ratio.Sqrt(ratio)
}

func bigFee(fee uint24) *big.Int {
	return new(big.Int).SetUint64(uint64(fee))
}
