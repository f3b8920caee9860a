// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"fmt"
	"math"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/path"
	"github.com/parsdao/broker/token"
)

// MaxRoutePools is the longest route a trade accepts; hop indices must fit
// the callback context's uint8.
const MaxRoutePools = math.MaxUint8

// MarginSwapParams describes a single-pool trade.
type MarginSwapParams struct {
	TokenIn            common.Address
	TokenOut           common.Address
	Fee                uint32
	UserAmountProvided *big.Int // pulled from the wallet and applied to TokenOut first
	InterestRateMode   RateMode
	Amount             *big.Int // amountIn for exact input, amountOut for exact output
	SqrtPriceLimitX96  *big.Int // zero or nil for none
	AmountLimit        *big.Int // amountOutMinimum, or amountInMaximum (nil or zero = unbounded)
}

// MarginSwapMultiParams describes a routed trade. Exact-output paths are
// given output first.
type MarginSwapMultiParams struct {
	Path               []byte
	UserAmountProvided *big.Int
	InterestRateMode   RateMode
	Amount             *big.Int
	AmountLimit        *big.Int
}

type tradeRequest struct {
	kind     TradeKind
	mode     SwapMode
	user     common.Address
	path     []byte
	provided *big.Int
	rateMode RateMode
	amount   *big.Int
	limit    *big.Int
	sqrtLim  *big.Int
}

func (p MarginSwapParams) request(kind TradeKind, mode SwapMode, user common.Address) (tradeRequest, error) {
	tokens := []common.Address{p.TokenIn, p.TokenOut}
	if mode == ExactOut {
		tokens = []common.Address{p.TokenOut, p.TokenIn}
	}
	route, err := path.Encode(tokens, []uint32{p.Fee})
	if err != nil {
		return tradeRequest{}, err
	}
	return tradeRequest{
		kind:     kind,
		mode:     mode,
		user:     user,
		path:     route,
		provided: p.UserAmountProvided,
		rateMode: p.InterestRateMode,
		amount:   p.Amount,
		limit:    p.AmountLimit,
		sqrtLim:  p.SqrtPriceLimitX96,
	}, nil
}

func (p MarginSwapMultiParams) request(kind TradeKind, mode SwapMode, user common.Address) (tradeRequest, error) {
	return tradeRequest{
		kind:     kind,
		mode:     mode,
		user:     user,
		path:     p.Path,
		provided: p.UserAmountProvided,
		rateMode: p.InterestRateMode,
		amount:   p.Amount,
		limit:    p.AmountLimit,
	}, nil
}

// trade runs one margin trade for req.user. It returns the output amount of
// an exact-input trade or the input amount of an exact-output trade.
func (c *call) trade(req tradeRequest) (*big.Int, error) {
	if req.amount == nil || req.amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if !req.rateMode.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRateMode, req.rateMode)
	}
	tokens, err := path.Tokens(req.path)
	if err != nil {
		return nil, err
	}
	if pools := len(tokens) - 1; pools > MaxRoutePools {
		return nil, fmt.Errorf("%w: %d, at most %d", ErrRouteTooLong, pools, MaxRoutePools)
	}
	routeIn, routeOut := tokens[0], tokens[len(tokens)-1]
	if req.mode == ExactOut {
		routeIn, routeOut = routeOut, routeIn
	}
	if _, err := c.lookup(routeIn); err != nil {
		return nil, err
	}
	if _, err := c.lookup(routeOut); err != nil {
		return nil, err
	}
	if _, err := c.moneyMarket(); err != nil {
		return nil, err
	}

	if c.activeTrader() != (common.Address{}) {
		return nil, ErrReentrant
	}
	contract.SetAddress(c.state, c.b.Address, tradeLockKey, req.user)

	before := c.brokerBalances(tokens)
	ctx := CallbackContext{
		Path:     req.path,
		Payer:    req.user,
		Kind:     req.kind,
		Mode:     req.mode,
		RateMode: req.rateMode,
	}

	if req.provided != nil && req.provided.Sign() > 0 {
		if err := token.At(routeOut).TransferFrom(c.state, c.b.Address, req.user, c.b.Address, req.provided); err != nil {
			return nil, fmt.Errorf("pull user amount: %w", err)
		}
		if err := c.consume(ctx, routeOut, req.provided); err != nil {
			return nil, err
		}
	}

	amountSpecified := new(big.Int).Set(req.amount)
	if req.mode == ExactOut {
		amountSpecified.Neg(amountSpecified)
	}
	if err := c.swap(ctx, amountSpecified, c.b.Address, req.sqrtLim); err != nil {
		return nil, err
	}

	var amountIn, amountOut *big.Int
	if req.mode == ExactIn {
		amountIn = req.amount
		amountOut = contract.GetBig(c.state, c.b.Address, tradeOutKey)
		if req.limit != nil && amountOut.Cmp(req.limit) < 0 {
			return nil, fmt.Errorf("%w: received %s, minimum %s", ErrSlippageExceeded, amountOut, req.limit)
		}
	} else {
		amountOut = req.amount
		amountIn = contract.GetBig(c.state, c.b.Address, tradeInKey)
		if req.limit != nil && req.limit.Sign() > 0 && amountIn.Cmp(req.limit) > 0 {
			return nil, fmt.Errorf("%w: paid %s, maximum %s", ErrSlippageExceeded, amountIn, req.limit)
		}
	}

	if err := c.requireBalances(tokens, before); err != nil {
		return nil, err
	}

	swaps := contract.GetUint64(c.state, c.b.Address, tradeSwapsKey)
	c.clearTrade()

	c.b.emitEvent(c.state, "MarginTrade", req.user, uint8(req.kind), uint8(req.mode), routeIn, routeOut, amountIn, amountOut)
	c.b.log.Info("margin trade",
		"user", req.user,
		"kind", req.kind,
		"mode", req.mode,
		"tokenIn", routeIn,
		"tokenOut", routeOut,
		"amountIn", amountIn,
		"amountOut", amountOut,
		"swaps", swaps,
	)

	if req.mode == ExactIn {
		return new(big.Int).Set(amountOut), nil
	}
	return new(big.Int).Set(amountIn), nil
}

func (c *call) clearTrade() {
	contract.SetAddress(c.state, c.b.Address, tradeLockKey, common.Address{})
	contract.SetBig(c.state, c.b.Address, tradeInKey, new(big.Int))
	contract.SetBig(c.state, c.b.Address, tradeOutKey, new(big.Int))
	contract.SetUint64(c.state, c.b.Address, tradeSwapsKey, 0)
}

func (c *call) brokerBalances(tokens []common.Address) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(tokens))
	for _, t := range tokens {
		out[t] = token.At(t).BalanceOf(c.state, c.b.Address)
	}
	return out
}

func (c *call) requireBalances(tokens []common.Address, before map[common.Address]*big.Int) error {
	for _, t := range tokens {
		if now := token.At(t).BalanceOf(c.state, c.b.Address); now.Cmp(before[t]) != 0 {
			return fmt.Errorf("%w: %s went from %s to %s", ErrNonZeroDelta, t.Hex(), before[t], now)
		}
	}
	return nil
}

type requester interface {
	request(kind TradeKind, mode SwapMode, user common.Address) (tradeRequest, error)
}

func (b *Broker) runTrade(state contract.StateDB, user common.Address, kind TradeKind, mode SwapMode, p requester) (*big.Int, error) {
	out, err := transact(b, state, func(c *call) (*big.Int, error) {
		req, err := p.request(kind, mode, user)
		if err != nil {
			return nil, err
		}
		return c.trade(req)
	})
	Metrics().observeTrade(kind, mode, err)
	if err != nil {
		b.log.Debug("margin trade reverted", "user", user, "kind", kind, "mode", mode, "err", err)
	}
	return out, err
}

// =========================================================================
// Open
// =========================================================================

// OpenMarginPositionExactIn borrows Amount of TokenIn against the user's
// collateral and supplies everything it buys as TokenOut collateral.
func (b *Broker) OpenMarginPositionExactIn(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindOpen, ExactIn, p)
}

// OpenMarginPositionExactOut supplies exactly Amount of TokenOut as
// collateral and borrows whatever TokenIn that costs.
func (b *Broker) OpenMarginPositionExactOut(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindOpen, ExactOut, p)
}

func (b *Broker) OpenMarginPositionExactInMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindOpen, ExactIn, p)
}

func (b *Broker) OpenMarginPositionExactOutMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindOpen, ExactOut, p)
}

// =========================================================================
// Trim
// =========================================================================

// TrimMarginPositionExactIn withdraws Amount of TokenIn collateral and repays
// TokenOut debt with the proceeds.
func (b *Broker) TrimMarginPositionExactIn(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindTrim, ExactIn, p)
}

// TrimMarginPositionExactOut repays exactly Amount of TokenOut debt, paid for
// with TokenIn collateral.
func (b *Broker) TrimMarginPositionExactOut(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindTrim, ExactOut, p)
}

func (b *Broker) TrimMarginPositionExactInMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindTrim, ExactIn, p)
}

func (b *Broker) TrimMarginPositionExactOutMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindTrim, ExactOut, p)
}

// =========================================================================
// Collateral swap
// =========================================================================

// SwapCollateralExactIn moves Amount of TokenIn collateral into TokenOut
// collateral.
func (b *Broker) SwapCollateralExactIn(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindCollateralSwap, ExactIn, p)
}

func (b *Broker) SwapCollateralExactOut(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindCollateralSwap, ExactOut, p)
}

func (b *Broker) SwapCollateralExactInMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindCollateralSwap, ExactIn, p)
}

func (b *Broker) SwapCollateralExactOutMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindCollateralSwap, ExactOut, p)
}

// =========================================================================
// Debt swap
// =========================================================================

// SwapBorrowExactIn borrows Amount of TokenIn and repays TokenOut debt with
// what it buys.
func (b *Broker) SwapBorrowExactIn(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindDebtSwap, ExactIn, p)
}

func (b *Broker) SwapBorrowExactOut(state contract.StateDB, user common.Address, p MarginSwapParams) (*big.Int, error) {
	return b.runTrade(state, user, KindDebtSwap, ExactOut, p)
}

func (b *Broker) SwapBorrowExactInMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindDebtSwap, ExactIn, p)
}

func (b *Broker) SwapBorrowExactOutMulti(state contract.StateDB, user common.Address, p MarginSwapMultiParams) (*big.Int, error) {
	return b.runTrade(state, user, KindDebtSwap, ExactOut, p)
}
