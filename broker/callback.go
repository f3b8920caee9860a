// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/dex"
	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/path"
	"github.com/parsdao/broker/token"
)

var _ dex.SwapCallee = (*call)(nil)

// SwapCallback is invoked by an exchange pool mid-swap.
func (c *call) SwapCallback(_ contract.StateDB, pool common.Address, amount0Delta, amount1Delta *big.Int, data []byte) error {
	err := c.swapCallback(pool, amount0Delta, amount1Delta, data)
	Metrics().observeCallback(err)
	return err
}

func (c *call) swapCallback(caller common.Address, amount0Delta, amount1Delta *big.Int, data []byte) error {
	ctx, err := DecodeCallbackContext(data)
	if err != nil {
		return err
	}
	if err := c.authorizeCallback(caller, ctx); err != nil {
		c.b.log.Warn("rejected swap callback", "caller", caller, "payer", ctx.Payer, "err", err)
		return err
	}

	tokenIn, tokenOut, _, err := ctx.swapTokens()
	if err != nil {
		return err
	}
	amountToPay, amountReceived, err := resolveDeltas(tokenIn, tokenOut, amount0Delta, amount1Delta)
	if err != nil {
		return err
	}
	c.b.log.Debug("swap callback",
		"pool", caller,
		"hop", ctx.Hop,
		"kind", ctx.Kind,
		"mode", ctx.Mode,
		"pay", amountToPay,
		"received", amountReceived,
	)

	if ctx.Mode == ExactIn {
		return c.exactInCallback(caller, ctx, tokenIn, tokenOut, amountToPay, amountReceived)
	}
	return c.exactOutCallback(caller, ctx, tokenIn, tokenOut, amountToPay, amountReceived)
}

// authorizeCallback requires caller to be the factory pool of the context's
// current hop, and the context to belong to the trade in progress.
func (c *call) authorizeCallback(caller common.Address, ctx CallbackContext) error {
	factory, err := c.factory()
	if err != nil {
		return err
	}
	hop, err := path.DecodeFirstHop(ctx.Path)
	if err != nil {
		return err
	}
	expected := dex.ComputePoolAddress(factory.Address, factory.InitCodeHash, hop.TokenIn, hop.TokenOut, hop.Fee)
	if caller != expected {
		return fmt.Errorf("%w: caller %s, pool %s", ErrUnauthorizedCallback, caller.Hex(), expected.Hex())
	}
	if trader := c.activeTrader(); trader == (common.Address{}) || trader != ctx.Payer {
		return fmt.Errorf("%w: no trade in progress for %s", ErrUnauthorizedCallback, ctx.Payer.Hex())
	}
	return nil
}

// resolveDeltas returns what the broker owes the pool and what it got,
// requiring the owed side to be tokenIn.
func resolveDeltas(tokenIn, tokenOut common.Address, amount0Delta, amount1Delta *big.Int) (*big.Int, *big.Int, error) {
	if amount0Delta == nil || amount1Delta == nil {
		return nil, nil, ErrInvalidDeltas
	}
	token0, _ := dex.SortTokens(tokenIn, tokenOut)
	var pay, recv *big.Int
	switch {
	case amount0Delta.Sign() > 0 && amount1Delta.Sign() <= 0:
		pay, recv = amount0Delta, amount1Delta
		if tokenIn != token0 {
			return nil, nil, fmt.Errorf("%w: pool asks for the output token", ErrInvalidDeltas)
		}
	case amount1Delta.Sign() > 0 && amount0Delta.Sign() <= 0:
		pay, recv = amount1Delta, amount0Delta
		if tokenIn == token0 {
			return nil, nil, fmt.Errorf("%w: pool asks for the output token", ErrInvalidDeltas)
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s, %s", ErrInvalidDeltas, amount0Delta, amount1Delta)
	}
	return new(big.Int).Set(pay), new(big.Int).Neg(recv), nil
}

// exactInCallback continues the route with what this hop produced, consumes
// the final output, and then pays this hop's input.
func (c *call) exactInCallback(pool common.Address, ctx CallbackContext, tokenIn, tokenOut common.Address, amountToPay, amountReceived *big.Int) error {
	if path.HasMultiplePools(ctx.Path) {
		next, err := ctx.next()
		if err != nil {
			return err
		}
		if err := c.swap(next, amountReceived, c.b.Address, nil); err != nil {
			return err
		}
	} else {
		contract.SetBig(c.state, c.b.Address, tradeOutKey, amountReceived)
		if err := c.consume(ctx, tokenOut, amountReceived); err != nil {
			return err
		}
	}

	if ctx.Hop == 0 {
		return c.settle(ctx, tokenIn, amountToPay, pool)
	}
	if err := token.At(tokenIn).Transfer(c.state, c.b.Address, pool, amountToPay); err != nil {
		return fmt.Errorf("pay hop %d: %w", ctx.Hop, err)
	}
	return nil
}

// exactOutCallback consumes the requested output at the first hop, then has
// the next pool pay this one, or settles the route input at the last hop.
func (c *call) exactOutCallback(pool common.Address, ctx CallbackContext, tokenIn, tokenOut common.Address, amountToPay, amountReceived *big.Int) error {
	if ctx.Hop == 0 {
		if err := c.consume(ctx, tokenOut, amountReceived); err != nil {
			return err
		}
	}

	if path.HasMultiplePools(ctx.Path) {
		next, err := ctx.next()
		if err != nil {
			return err
		}
		return c.swap(next, new(big.Int).Neg(amountToPay), pool, nil)
	}
	contract.SetBig(c.state, c.b.Address, tradeInKey, amountToPay)
	return c.settle(ctx, tokenIn, amountToPay, pool)
}

// swap runs the context's current hop with the broker as callee. A positive
// amount is exact input, a negative one exact output.
func (c *call) swap(ctx CallbackContext, amountSpecified *big.Int, recipient common.Address, sqrtPriceLimitX96 *big.Int) error {
	factory, err := c.factory()
	if err != nil {
		return err
	}
	tokenIn, tokenOut, fee, err := ctx.swapTokens()
	if err != nil {
		return err
	}
	pool, err := factory.PoolFor(c.state, tokenIn, tokenOut, fee)
	if err != nil {
		return fmt.Errorf("hop %d: %w", ctx.Hop, err)
	}
	data, err := ctx.Encode()
	if err != nil {
		return err
	}
	token0, _ := dex.SortTokens(tokenIn, tokenOut)

	contract.SetUint64(c.state, c.b.Address, tradeSwapsKey, contract.GetUint64(c.state, c.b.Address, tradeSwapsKey)+1)
	_, err = pool.Swap(c.state, c, dex.SwapParams{
		Recipient:         recipient,
		ZeroForOne:        tokenIn == token0,
		AmountSpecified:   amountSpecified,
		SqrtPriceLimitX96: sqrtPriceLimitX96,
		Data:              data,
	})
	if err != nil {
		return fmt.Errorf("swap hop %d %s->%s: %w", ctx.Hop, tokenIn.Hex(), tokenOut.Hex(), err)
	}
	return nil
}

// consume applies amount of asset, held by the broker, to the payer's
// position: supplied as collateral or used to repay debt.
func (c *call) consume(ctx CallbackContext, asset common.Address, amount *big.Int) error {
	mm, err := c.moneyMarket()
	if err != nil {
		return err
	}
	if ctx.Kind.supplies() {
		if err := mm.Supply(asset, amount, ctx.Payer); err != nil {
			return fmt.Errorf("supply %s: %w", asset.Hex(), err)
		}
		return nil
	}
	return c.repay(mm, ctx.Payer, asset, amount, ctx.RateMode)
}

// repay pays down user's debt with amount and refunds any surplus the debt
// could not absorb, provided it is within the settlement tolerance.
func (c *call) repay(mm *MoneyMarket, user, asset common.Address, amount *big.Int, mode RateMode) error {
	entry, err := c.lookup(asset)
	if err != nil {
		return err
	}
	if err := mm.RequireDebtReceipt(entry, mode); err != nil {
		return err
	}
	repaid, err := mm.Repay(asset, amount, mode, user)
	if err != nil {
		return fmt.Errorf("repay %s: %w", asset.Hex(), err)
	}
	surplus := new(big.Int).Sub(amount, repaid)
	if surplus.Sign() <= 0 {
		return nil
	}
	allowed := new(big.Int).Mul(amount, new(big.Int).SetUint64(c.toleranceBps()))
	allowed.Div(allowed, big.NewInt(lending.BPS))
	if surplus.Cmp(allowed) > 0 {
		return fmt.Errorf("%w: %s of %s left over, %s allowed", ErrSettlementTolerance, surplus, amount, allowed)
	}
	c.b.log.Debug("refunding repay surplus", "user", user, "asset", asset, "surplus", surplus)
	return token.At(asset).Transfer(c.state, c.b.Address, user, surplus)
}

// settle pays pool amount of asset out of the payer's lending position,
// by borrowing against it or by withdrawing its collateral.
func (c *call) settle(ctx CallbackContext, asset common.Address, amount *big.Int, pool common.Address) error {
	mm, err := c.moneyMarket()
	if err != nil {
		return err
	}
	entry, err := c.lookup(asset)
	if err != nil {
		return err
	}
	if ctx.Kind.borrows() {
		if err := mm.RequireDebtReceipt(entry, ctx.RateMode); err != nil {
			return err
		}
		if err := mm.Borrow(asset, amount, ctx.RateMode, ctx.Payer); err != nil {
			return fmt.Errorf("borrow %s for %s: %w", asset.Hex(), ctx.Payer.Hex(), err)
		}
		return token.At(asset).Transfer(c.state, c.b.Address, pool, amount)
	}
	if err := mm.PullCollateral(ctx.Payer, entry, amount); err != nil {
		return fmt.Errorf("pull %s collateral from %s: %w", asset.Hex(), ctx.Payer.Hex(), err)
	}
	if _, err := mm.Withdraw(asset, amount, pool); err != nil {
		return fmt.Errorf("withdraw %s: %w", asset.Hex(), err)
	}
	return nil
}

func (c *call) activeTrader() common.Address {
	return contract.GetAddress(c.state, c.b.Address, tradeLockKey)
}

// SwapCallback lets an exchange pool call the broker directly. Outside of a
// trade the broker started, every callback is rejected.
func (b *Broker) SwapCallback(state contract.StateDB, caller common.Address, amount0Delta, amount1Delta *big.Int, data []byte) error {
	_, err := transact(b, state, func(c *call) (struct{}, error) {
		return struct{}{}, c.SwapCallback(state, caller, amount0Delta, amount1Delta, data)
	})
	return err
}
