// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lending

import (
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/token"
)

// Test addresses for lending
var (
	testPoolAddr   = common.HexToAddress("0x0000000000000000000000000000000000009050")
	testOracleAddr = common.HexToAddress("0x0000000000000000000000000000000000009011")

	testAssetS = common.HexToAddress("0x5000000000000000000000000000000000000001")
	testAssetB = common.HexToAddress("0xb000000000000000000000000000000000000002")

	testSupplier = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testUser     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testDelegate = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), RAY)
}

func receipts(asset common.Address) (common.Address, common.Address, common.Address) {
	a := asset
	a[0] = 0xa1
	s := asset
	s[0] = 0x51
	v := asset
	v[0] = 0x71
	return a, s, v
}

type lendingFixture struct {
	state  *contract.MemoryStateDB
	pool   *Pool
	oracle *StaticOracle
}

func newLendingFixture(t *testing.T) *lendingFixture {
	t.Helper()
	state := contract.NewMemoryStateDB()
	oracle := NewStaticOracle(testOracleAddr)
	pool := NewPool(testPoolAddr, oracle)

	for _, asset := range []common.Address{testAssetS, testAssetB} {
		ledger := token.Deploy(state, asset, 18)
		for _, who := range []common.Address{testSupplier, testUser, testDelegate} {
			require.NoError(t, ledger.Mint(state, who, e18(100_000)))
			require.NoError(t, ledger.Approve(state, who, testPoolAddr, token.MaxUint256))
		}
		require.NoError(t, oracle.SetPrice(state, asset, RAY))

		aTok, sTok, vTok := receipts(asset)
		require.NoError(t, pool.InitReserve(state, ReserveConfig{
			Underlying:           asset,
			AToken:               aTok,
			StableDebt:           sTok,
			VariableDebt:         vTok,
			LTV:                  8000,
			LiquidationThreshold: 8500,
		}))
	}
	require.NoError(t, pool.Supply(state, testSupplier, testAssetB, e18(50_000), testSupplier))
	require.NoError(t, pool.Supply(state, testSupplier, testAssetS, e18(50_000), testSupplier))
	return &lendingFixture{state: state, pool: pool, oracle: oracle}
}

// =========================================================================
// Interest Rate Model Tests
// =========================================================================

func TestInterestRateModel_DefaultModel(t *testing.T) {
	model := DefaultInterestRateModel()
	require.Zero(t, model.BaseRate.Sign())
	require.Equal(t, 0, model.Slope1.Cmp(pct(4)))
	require.Equal(t, 0, model.OptimalUtilization.Cmp(pct(80)))
}

func TestInterestRateModel_Utilization(t *testing.T) {
	model := DefaultInterestRateModel()
	require.Zero(t, model.GetUtilizationRate(e18(1), big.NewInt(0)).Sign())

	// 500 borrowed, 500 cash = 50%
	util := model.GetUtilizationRate(e18(500), e18(500))
	require.Equal(t, 0, util.Cmp(new(big.Int).Div(RAY, big.NewInt(2))))
}

func TestInterestRateModel_KinkIsSteeper(t *testing.T) {
	model := DefaultInterestRateModel()
	below := model.GetBorrowRate(e18(500), e18(500))
	above := model.GetBorrowRate(e18(50), e18(950))
	require.Positive(t, below.Sign())
	require.Positive(t, above.Cmp(below))

	supply := model.GetSupplyRate(e18(500), e18(500))
	require.Negative(t, supply.Cmp(below))
}

func TestGrowIndex(t *testing.T) {
	require.Equal(t, 0, GrowIndex(RAY, big.NewInt(0), 100).Cmp(RAY))
	require.Equal(t, 0, GrowIndex(RAY, pct(1), 0).Cmp(RAY))
	require.Equal(t, 0, GrowIndex(RAY, pct(1), 2).Cmp(pct(102)))
}

// =========================================================================
// Lending Pool Tests
// =========================================================================

func TestLendingPool_InitReserve(t *testing.T) {
	f := newLendingFixture(t)
	require.Equal(t, []common.Address{testAssetS, testAssetB}, f.pool.Reserves(f.state))

	cfg, err := f.pool.ReserveConfig(f.state, testAssetS)
	require.NoError(t, err)
	require.Equal(t, uint64(8000), cfg.LTV)
	require.Equal(t, uint8(18), token.At(cfg.AToken).Decimals(f.state))

	aTok, sTok, vTok := receipts(testAssetS)
	err = f.pool.InitReserve(f.state, ReserveConfig{Underlying: testAssetS, AToken: aTok, StableDebt: sTok, VariableDebt: vTok, LTV: 1, LiquidationThreshold: 2})
	require.ErrorIs(t, err, ErrReserveAlreadyExists)

	other := common.HexToAddress("0x9999999999999999999999999999999999999999")
	err = f.pool.InitReserve(f.state, ReserveConfig{Underlying: other, AToken: aTok, StableDebt: sTok, VariableDebt: vTok, LTV: 9000, LiquidationThreshold: 8000})
	require.ErrorIs(t, err, ErrInvalidCollateralFactor)

	_, err = f.pool.ReserveConfig(f.state, other)
	require.ErrorIs(t, err, ErrReserveNotFound)
}

func TestLendingPool_SupplyWithdraw(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(500), testUser))
	require.Equal(t, 0, f.pool.ATokenBalance(f.state, testAssetS, testUser).Cmp(e18(500)))

	got, err := f.pool.Withdraw(f.state, testUser, testAssetS, e18(200), testDelegate)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(e18(200)))
	require.Equal(t, 0, token.At(testAssetS).BalanceOf(f.state, testDelegate).Cmp(e18(100_200)))

	got, err = f.pool.Withdraw(f.state, testUser, testAssetS, token.MaxUint256, testUser)
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(e18(300)))
	require.Zero(t, f.pool.ATokenBalance(f.state, testAssetS, testUser).Sign())

	_, err = f.pool.Withdraw(f.state, testUser, testAssetS, e18(1), testUser)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestLendingPool_Borrow(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(1000), testUser))

	require.NoError(t, f.pool.Borrow(f.state, testUser, testAssetB, e18(500), RateModeVariable, testUser))
	require.Equal(t, 0, f.pool.VariableDebtBalance(f.state, testAssetB, testUser).Cmp(e18(500)))
	require.Equal(t, 0, token.At(testAssetB).BalanceOf(f.state, testUser).Cmp(e18(100_500)))

	require.NoError(t, f.pool.Borrow(f.state, testUser, testAssetB, e18(100), RateModeStable, testUser))
	require.Equal(t, 0, f.pool.StableDebtBalance(f.state, testAssetB, testUser).Cmp(e18(100)))

	// 1000 * 80% = 800 of capacity, 600 used.
	err := f.pool.Borrow(f.state, testUser, testAssetB, e18(201), RateModeVariable, testUser)
	require.ErrorIs(t, err, ErrInsufficientCollateral)

	err = f.pool.Borrow(f.state, testUser, testAssetB, e18(1), RateMode(3), testUser)
	require.ErrorIs(t, err, ErrInvalidRateMode)
}

func TestLendingPool_DelegatedBorrow(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(1000), testUser))
	cfg, err := f.pool.ReserveConfig(f.state, testAssetB)
	require.NoError(t, err)

	err = f.pool.Borrow(f.state, testDelegate, testAssetB, e18(100), RateModeVariable, testUser)
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, f.pool.ApproveDelegation(f.state, testUser, cfg.VariableDebt, testDelegate, e18(150)))
	require.NoError(t, f.pool.Borrow(f.state, testDelegate, testAssetB, e18(100), RateModeVariable, testUser))

	require.Equal(t, 0, f.pool.VariableDebtBalance(f.state, testAssetB, testUser).Cmp(e18(100)))
	require.Zero(t, f.pool.VariableDebtBalance(f.state, testAssetB, testDelegate).Sign())
	require.Equal(t, 0, token.At(testAssetB).BalanceOf(f.state, testDelegate).Cmp(e18(100_100)))
	require.Equal(t, 0, f.pool.BorrowAllowance(f.state, cfg.VariableDebt, testUser, testDelegate).Cmp(e18(50)))

	// Stable credit is delegated separately.
	err = f.pool.Borrow(f.state, testDelegate, testAssetB, e18(10), RateModeStable, testUser)
	require.ErrorIs(t, err, ErrInsufficientAllowance)
}

func TestLendingPool_Repay(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(1000), testUser))
	require.NoError(t, f.pool.Borrow(f.state, testUser, testAssetB, e18(300), RateModeVariable, testUser))

	// A third party repays part of the debt.
	repaid, err := f.pool.Repay(f.state, testDelegate, testAssetB, e18(100), RateModeVariable, testUser)
	require.NoError(t, err)
	require.Equal(t, 0, repaid.Cmp(e18(100)))
	require.Equal(t, 0, f.pool.VariableDebtBalance(f.state, testAssetB, testUser).Cmp(e18(200)))

	// Over-repayment is capped.
	repaid, err = f.pool.Repay(f.state, testUser, testAssetB, e18(1000), RateModeVariable, testUser)
	require.NoError(t, err)
	require.Equal(t, 0, repaid.Cmp(e18(200)))
	require.Zero(t, f.pool.VariableDebtBalance(f.state, testAssetB, testUser).Sign())

	_, err = f.pool.Repay(f.state, testUser, testAssetB, e18(1), RateModeVariable, testUser)
	require.ErrorIs(t, err, ErrNoDebtToRepay)
}

func TestLendingPool_Withdraw_WithDebt(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(1000), testUser))
	require.NoError(t, f.pool.Borrow(f.state, testUser, testAssetB, e18(800), RateModeVariable, testUser))

	// 850 threshold value covers 800 of debt; withdrawing 100 would not.
	snap := f.state.Snapshot()
	_, err := f.pool.Withdraw(f.state, testUser, testAssetS, e18(100), testUser)
	require.ErrorIs(t, err, ErrHealthFactorTooLow)
	f.state.RevertToSnapshot(snap)

	_, err = f.pool.Withdraw(f.state, testUser, testAssetS, e18(50), testUser)
	require.NoError(t, err)
}

func TestLendingPool_TransferCollateral(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(1000), testUser))
	cfg, err := f.pool.ReserveConfig(f.state, testAssetS)
	require.NoError(t, err)

	err = f.pool.TransferCollateral(f.state, testDelegate, testUser, testDelegate, testAssetS, e18(10))
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, f.pool.ApproveCollateral(f.state, testUser, cfg.AToken, testDelegate, token.MaxUint256))
	require.NoError(t, f.pool.TransferCollateral(f.state, testDelegate, testUser, testDelegate, testAssetS, e18(400)))
	require.Equal(t, 0, f.pool.ATokenBalance(f.state, testAssetS, testUser).Cmp(e18(600)))
	require.Equal(t, 0, f.pool.ATokenBalance(f.state, testAssetS, testDelegate).Cmp(e18(400)))

	require.NoError(t, f.pool.Borrow(f.state, testUser, testAssetB, e18(450), RateModeVariable, testUser))
	err = f.pool.TransferCollateral(f.state, testDelegate, testUser, testDelegate, testAssetS, e18(100))
	require.ErrorIs(t, err, ErrHealthFactorTooLow)
}

func TestLendingPool_GetUserAccountData(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(500), testUser))
	require.NoError(t, f.oracle.SetPrice(f.state, testAssetS, new(big.Int).Mul(RAY, big.NewInt(2))))
	require.NoError(t, f.pool.Borrow(f.state, testUser, testAssetB, e18(400), RateModeVariable, testUser))

	data, err := f.pool.GetUserAccountData(f.state, testUser)
	require.NoError(t, err)
	require.Equal(t, 0, data.TotalCollateralBase.Cmp(e18(1000)))
	require.Equal(t, 0, data.TotalDebtBase.Cmp(e18(400)))
	require.Equal(t, 0, data.AvailableBorrowsBase.Cmp(e18(400)))
	require.Equal(t, int64(8000), data.LTV.Int64())
	require.Equal(t, int64(8500), data.CurrentLiquidationThreshold.Int64())
	// 850 / 400 = 2.125
	require.Equal(t, 0, data.HealthFactor.Cmp(new(big.Int).Div(new(big.Int).Mul(RAY, big.NewInt(2125)), big.NewInt(1000))))

	empty, err := f.pool.GetUserAccountData(f.state, testDelegate)
	require.NoError(t, err)
	require.Zero(t, empty.TotalCollateralBase.Sign())
	require.Equal(t, 0, empty.HealthFactor.Cmp(token.MaxUint256))
}

func TestLendingPool_InterestAccruesAcrossBlocks(t *testing.T) {
	f := newLendingFixture(t)
	require.NoError(t, f.pool.Supply(f.state, testUser, testAssetS, e18(10_000), testUser))
	require.NoError(t, f.pool.Borrow(f.state, testUser, testAssetB, e18(5_000), RateModeVariable, testUser))

	before := f.pool.VariableDebtBalance(f.state, testAssetB, testUser)
	supplierBefore := f.pool.ATokenBalance(f.state, testAssetB, testSupplier)

	f.state.SetBlockNumber(f.state.GetBlockNumber() + 1_000_000)
	after := f.pool.VariableDebtBalance(f.state, testAssetB, testUser)
	require.Positive(t, after.Cmp(before))
	require.Positive(t, f.pool.ATokenBalance(f.state, testAssetB, testSupplier).Cmp(supplierBefore))

	// Repaying everything clears the grown debt.
	repaid, err := f.pool.Repay(f.state, testUser, testAssetB, token.MaxUint256, RateModeVariable, testUser)
	require.NoError(t, err)
	require.Equal(t, 0, repaid.Cmp(after))
	require.Zero(t, f.pool.VariableDebtBalance(f.state, testAssetB, testUser).Sign())
}
