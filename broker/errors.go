// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"errors"

	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/path"
	"github.com/parsdao/broker/token"
)

// Errors - Trading
var (
	ErrUnregisteredAsset    = errors.New("asset not registered")
	ErrUnauthorizedCallback = errors.New("callback not from a factory pool")
	ErrSlippageExceeded     = errors.New("slippage exceeded")
	ErrInvalidDeltas        = errors.New("exactly one swap delta must be positive")
	ErrNonZeroDelta         = errors.New("broker balance changed across trade")
	ErrSettlementTolerance  = errors.New("repay surplus exceeds settlement tolerance")
	ErrReentrant            = errors.New("trade already in progress")
	ErrInvalidRateMode      = errors.New("invalid interest rate mode")
	ErrZeroAmount           = errors.New("amount is zero")
	ErrRouteTooLong         = errors.New("route has too many pools")

	ErrMalformedPath          = path.ErrMalformedPath
	ErrInsufficientAllowance  = token.ErrInsufficientAllowance
	ErrInsufficientCollateral = lending.ErrInsufficientCollateral
)

// Errors - Management and dispatch
var (
	ErrNotOwner           = errors.New("caller is not the owner")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrNotInitialized     = errors.New("not initialized")
	ErrZeroAddress        = errors.New("zero address")
	ErrFunctionNotFound   = errors.New("function not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrOutOfGas           = errors.New("out of gas")
	ErrWriteProtection    = errors.New("write protection")
	ErrInvalidTolerance   = errors.New("settlement tolerance above 10000 bps")
)
