// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lending

import (
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
)

// InterestRateModel is a two-slope kink model
// Rate = BaseRate + Utilization * Slope1 (below kink)
// Rate = BaseRate + Kink * Slope1 + (Utilization - Kink) * Slope2 (above kink)
//
// All fields are annual rates scaled by RAY.
type InterestRateModel struct {
	BaseRate           *big.Int
	Slope1             *big.Int
	Slope2             *big.Int
	OptimalUtilization *big.Int
	ReserveFactor      *big.Int // Portion of interest kept by the protocol
}

// Scaling constants
var (
	// 1e18 for fixed-point arithmetic
	RAY = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// Blocks per year (assuming ~2 second blocks)
	BlocksPerYear = big.NewInt(15768000)
)

func pct(n int64) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(big.NewInt(n), RAY), big.NewInt(100))
}

// DefaultInterestRateModel: 0% base, 4% below the 80% kink, 75% above, 10%
// reserve factor.
func DefaultInterestRateModel() *InterestRateModel {
	return &InterestRateModel{
		BaseRate:           big.NewInt(0),
		Slope1:             pct(4),
		Slope2:             pct(75),
		OptimalUtilization: pct(80),
		ReserveFactor:      pct(10),
	}
}

// StablecoinInterestRateModel has a later kink and gentler slopes.
func StablecoinInterestRateModel() *InterestRateModel {
	return &InterestRateModel{
		BaseRate:           big.NewInt(0),
		Slope1:             pct(2),
		Slope2:             pct(60),
		OptimalUtilization: pct(90),
		ReserveFactor:      pct(5),
	}
}

// GetUtilizationRate = borrows / (cash + borrows), capped at RAY.
func (m *InterestRateModel) GetUtilizationRate(totalCash, totalBorrows *big.Int) *big.Int {
	if totalBorrows.Sign() == 0 {
		return big.NewInt(0)
	}
	total := new(big.Int).Add(totalCash, totalBorrows)
	if total.Sign() <= 0 {
		return new(big.Int).Set(RAY)
	}
	utilization := new(big.Int).Mul(totalBorrows, RAY)
	utilization.Div(utilization, total)
	if utilization.Cmp(RAY) > 0 {
		return new(big.Int).Set(RAY)
	}
	return utilization
}

// GetBorrowRate returns the variable borrow rate per block, scaled by RAY.
func (m *InterestRateModel) GetBorrowRate(totalCash, totalBorrows *big.Int) *big.Int {
	utilization := m.GetUtilizationRate(totalCash, totalBorrows)

	if utilization.Cmp(m.OptimalUtilization) <= 0 {
		rate := new(big.Int).Mul(utilization, m.Slope1)
		rate.Div(rate, RAY)
		rate.Add(rate, m.BaseRate)
		return toBlockRate(rate)
	}

	normalRate := new(big.Int).Mul(m.OptimalUtilization, m.Slope1)
	normalRate.Div(normalRate, RAY)
	normalRate.Add(normalRate, m.BaseRate)

	excess := new(big.Int).Sub(utilization, m.OptimalUtilization)
	excessRate := new(big.Int).Mul(excess, m.Slope2)
	excessRate.Div(excessRate, RAY)

	return toBlockRate(normalRate.Add(normalRate, excessRate))
}

// GetSupplyRate = BorrowRate * Utilization * (1 - ReserveFactor), per block.
func (m *InterestRateModel) GetSupplyRate(totalCash, totalBorrows *big.Int) *big.Int {
	borrowRate := m.GetBorrowRate(totalCash, totalBorrows)
	utilization := m.GetUtilizationRate(totalCash, totalBorrows)

	rate := new(big.Int).Mul(borrowRate, utilization)
	rate.Div(rate, RAY)
	rate.Mul(rate, new(big.Int).Sub(RAY, m.ReserveFactor))
	return rate.Div(rate, RAY)
}

// GrowIndex compounds index by ratePerBlock over blocks with simple interest.
func GrowIndex(index, ratePerBlock *big.Int, blocks uint64) *big.Int {
	if blocks == 0 || ratePerBlock.Sign() == 0 {
		return new(big.Int).Set(index)
	}
	growth := new(big.Int).Mul(index, ratePerBlock)
	growth.Mul(growth, new(big.Int).SetUint64(blocks))
	growth.Div(growth, RAY)
	return growth.Add(growth, index)
}

func toBlockRate(annualRate *big.Int) *big.Int {
	return new(big.Int).Div(annualRate, BlocksPerYear)
}

var modelFields = [][]byte{[]byte("base"), []byte("s1"), []byte("s2"), []byte("opt"), []byte("rf")}

func (m *InterestRateModel) fields() []*big.Int {
	return []*big.Int{m.BaseRate, m.Slope1, m.Slope2, m.OptimalUtilization, m.ReserveFactor}
}

func saveModel(state contract.StateDB, pool, asset common.Address, m *InterestRateModel) {
	for i, v := range m.fields() {
		contract.SetBig(state, pool, contract.StorageKey(modelPrefix, asset.Bytes(), modelFields[i]), v)
	}
}

func loadModel(state contract.StateDB, pool, asset common.Address) *InterestRateModel {
	get := func(i int) *big.Int {
		return contract.GetBig(state, pool, contract.StorageKey(modelPrefix, asset.Bytes(), modelFields[i]))
	}
	return &InterestRateModel{
		BaseRate:           get(0),
		Slope1:             get(1),
		Slope2:             get(2),
		OptimalUtilization: get(3),
		ReserveFactor:      get(4),
	}
}
