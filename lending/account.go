// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lending

import (
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/token"
)

// AccountData aggregates a user's position across every reserve. Base
// amounts are amount * price / 10^decimals in the oracle's base currency;
// LTV and the liquidation threshold are collateral-weighted averages in bps.
type AccountData struct {
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowsBase        *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int // RAY = 1.0, MaxUint256 with no debt

	borrowCapacity *big.Int
}

// GetUserAccountData values user's collateral and debt at oracle prices.
func (p *Pool) GetUserAccountData(state contract.StateDB, user common.Address) (AccountData, error) {
	collateral := new(big.Int)
	debt := new(big.Int)
	ltvWeighted := new(big.Int)
	ltWeighted := new(big.Int)

	for _, asset := range p.Reserves(state) {
		cfg, err := p.ReserveConfig(state, asset)
		if err != nil {
			return AccountData{}, err
		}
		rs := p.projected(state, cfg)

		supplied := rayMul(token.At(cfg.AToken).BalanceOf(state, user), rs.LiquidityIndex)
		owed := new(big.Int).Add(
			rayMulUp(token.At(cfg.StableDebt).BalanceOf(state, user), rs.StableBorrowIndex),
			rayMulUp(token.At(cfg.VariableDebt).BalanceOf(state, user), rs.VariableBorrowIndex),
		)
		if supplied.Sign() == 0 && owed.Sign() == 0 {
			continue
		}

		price, err := p.Oracle.Price(state, asset)
		if err != nil {
			return AccountData{}, fmt.Errorf("account data for %s: %w", user.Hex(), err)
		}
		unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.At(asset).Decimals(state))), nil)

		if supplied.Sign() > 0 {
			value := toBase(supplied, price, unit)
			collateral.Add(collateral, value)
			ltvWeighted.Add(ltvWeighted, new(big.Int).Mul(value, new(big.Int).SetUint64(cfg.LTV)))
			ltWeighted.Add(ltWeighted, new(big.Int).Mul(value, new(big.Int).SetUint64(cfg.LiquidationThreshold)))
		}
		if owed.Sign() > 0 {
			debt.Add(debt, toBaseUp(owed, price, unit))
		}
	}

	data := AccountData{
		TotalCollateralBase:         collateral,
		TotalDebtBase:               debt,
		AvailableBorrowsBase:        big.NewInt(0),
		CurrentLiquidationThreshold: big.NewInt(0),
		LTV:                         big.NewInt(0),
		HealthFactor:                new(big.Int).Set(token.MaxUint256),
		borrowCapacity:              new(big.Int).Div(ltvWeighted, big.NewInt(BPS)),
	}
	if collateral.Sign() > 0 {
		data.LTV = new(big.Int).Div(ltvWeighted, collateral)
		data.CurrentLiquidationThreshold = new(big.Int).Div(ltWeighted, collateral)
	}
	if data.borrowCapacity.Cmp(debt) > 0 {
		data.AvailableBorrowsBase = new(big.Int).Sub(data.borrowCapacity, debt)
	}
	if debt.Sign() > 0 {
		hf := new(big.Int).Mul(ltWeighted, RAY)
		hf.Div(hf, big.NewInt(BPS))
		data.HealthFactor = hf.Div(hf, debt)
	}
	return data, nil
}

func toBase(amount, price, unit *big.Int) *big.Int {
	v := new(big.Int).Mul(amount, price)
	return v.Div(v, unit)
}

func toBaseUp(amount, price, unit *big.Int) *big.Int {
	return ceilDiv(new(big.Int).Mul(amount, price), unit)
}
