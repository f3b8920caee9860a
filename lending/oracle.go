// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lending

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
)

// Oracle prices assets in the pool's base currency, scaled by RAY per whole
// unit of the asset.
type Oracle interface {
	Price(state contract.StateDB, asset common.Address) (*big.Int, error)
}

var oraclePricePrefix = []byte("oracle/price")

// StaticOracle returns prices set explicitly by its operator.
type StaticOracle struct {
	Address common.Address
}

func NewStaticOracle(addr common.Address) *StaticOracle {
	return &StaticOracle{Address: addr}
}

// SetPrice records asset's price.
func (o *StaticOracle) SetPrice(state contract.StateDB, asset common.Address, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidAmount, price)
	}
	contract.SetBig(state, o.Address, contract.StorageKey(oraclePricePrefix, asset.Bytes()), price)
	return nil
}

func (o *StaticOracle) Price(state contract.StateDB, asset common.Address) (*big.Int, error) {
	price := contract.GetBig(state, o.Address, contract.StorageKey(oraclePricePrefix, asset.Bytes()))
	if price.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset.Hex())
	}
	return price, nil
}
