// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"bytes"
	"fmt"
	"math"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/path"
)

// TradeKind is the position change a trade makes.
type TradeKind uint8

const (
	KindOpen TradeKind = iota
	KindTrim
	KindCollateralSwap
	KindDebtSwap
)

func (k TradeKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindTrim:
		return "trim"
	case KindCollateralSwap:
		return "collateralSwap"
	case KindDebtSwap:
		return "debtSwap"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// supplies reports whether the output side of the trade becomes collateral,
// as opposed to repaying debt.
func (k TradeKind) supplies() bool {
	return k == KindOpen || k == KindCollateralSwap
}

// borrows reports whether the input side of the trade is borrowed, as
// opposed to withdrawn from collateral.
func (k TradeKind) borrows() bool {
	return k == KindOpen || k == KindDebtSwap
}

// SwapMode says which side of the swap is fixed.
type SwapMode uint8

const (
	ExactIn SwapMode = iota
	ExactOut
)

func (m SwapMode) String() string {
	switch m {
	case ExactIn:
		return "exactIn"
	case ExactOut:
		return "exactOut"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// RateMode selects stable or variable debt.
type RateMode = lending.RateMode

const (
	RateModeStable   = lending.RateModeStable
	RateModeVariable = lending.RateModeVariable
)

// CallbackContext travels through the exchange as swap callback data.
type CallbackContext struct {
	Path     []byte // remaining route, current hop first
	Payer    common.Address
	Kind     TradeKind
	Mode     SwapMode
	RateMode RateMode
	Hop      uint8
}

var callbackContextArgs = func() abi.Arguments {
	newType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("callback context type %s: %v", t, err))
		}
		return typ
	}
	u8 := newType("uint8")
	return abi.Arguments{
		{Name: "path", Type: newType("bytes")},
		{Name: "payer", Type: newType("address")},
		{Name: "kind", Type: u8},
		{Name: "mode", Type: u8},
		{Name: "rateMode", Type: u8},
		{Name: "hop", Type: u8},
	}
}()

// Encode ABI-encodes the context.
func (ctx CallbackContext) Encode() ([]byte, error) {
	return callbackContextArgs.Pack(ctx.Path, ctx.Payer, uint8(ctx.Kind), uint8(ctx.Mode), uint8(ctx.RateMode), ctx.Hop)
}

// DecodeCallbackContext parses callback data. Anything that is not exactly
// the canonical encoding of a context over a well-formed path is rejected.
func DecodeCallbackContext(data []byte) (CallbackContext, error) {
	values, err := callbackContextArgs.Unpack(data)
	if err != nil {
		return CallbackContext{}, fmt.Errorf("%w: callback data: %v", ErrMalformedPath, err)
	}
	if len(values) != len(callbackContextArgs) {
		return CallbackContext{}, fmt.Errorf("%w: callback data has %d fields", ErrMalformedPath, len(values))
	}
	p, ok0 := values[0].([]byte)
	payer, ok1 := values[1].(common.Address)
	kind, ok2 := values[2].(uint8)
	mode, ok3 := values[3].(uint8)
	rateMode, ok4 := values[4].(uint8)
	hop, ok5 := values[5].(uint8)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5) {
		return CallbackContext{}, fmt.Errorf("%w: callback data field types", ErrMalformedPath)
	}
	ctx := CallbackContext{
		Path:     p,
		Payer:    payer,
		Kind:     TradeKind(kind),
		Mode:     SwapMode(mode),
		RateMode: RateMode(rateMode),
		Hop:      hop,
	}
	if ctx.Kind > KindDebtSwap || ctx.Mode > ExactOut {
		return CallbackContext{}, fmt.Errorf("%w: kind %d mode %d", ErrMalformedPath, kind, mode)
	}
	if err := path.Validate(ctx.Path); err != nil {
		return CallbackContext{}, err
	}
	canonical, err := ctx.Encode()
	if err != nil || !bytes.Equal(canonical, data) {
		return CallbackContext{}, fmt.Errorf("%w: non-canonical callback data", ErrMalformedPath)
	}
	return ctx, nil
}

// next is the context for the following hop of the route.
func (ctx CallbackContext) next() (CallbackContext, error) {
	if ctx.Hop == math.MaxUint8 {
		return CallbackContext{}, fmt.Errorf("%w: hop %d is the last", ErrRouteTooLong, ctx.Hop)
	}
	rest, err := path.SkipHop(ctx.Path)
	if err != nil {
		return CallbackContext{}, err
	}
	ctx.Path = rest
	ctx.Hop++
	return ctx, nil
}

// swapTokens returns the input and output token of the context's current
// hop. Exact-out routes are stored output first.
func (ctx CallbackContext) swapTokens() (tokenIn, tokenOut common.Address, fee uint32, err error) {
	hop, err := path.DecodeFirstHop(ctx.Path)
	if err != nil {
		return common.Address{}, common.Address{}, 0, err
	}
	if ctx.Mode == ExactOut {
		return hop.TokenOut, hop.TokenIn, hop.Fee, nil
	}
	return hop.TokenIn, hop.TokenOut, hop.Fee, nil
}
