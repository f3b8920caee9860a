// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"math/big"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/parsdao/broker/audit"
	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/dex"
	"github.com/parsdao/broker/lending"
	"github.com/parsdao/broker/registry"
	"github.com/parsdao/broker/token"
)

// Test addresses for the broker
var (
	testFactoryAddr = common.HexToAddress(registry.LXPool)
	testLendingAddr = common.HexToAddress(registry.LXLend)
	testOracleAddr  = common.HexToAddress(registry.LXOracle)
	testInitHash    = common.HexToHash("0x2e2c1ed0dbd5b9d08e5ba2b4a0b2bb0a4e5cbd3b8a0b1d1c2a6a1f4c0bbd9a11")

	tokenS = common.HexToAddress("0x5000000000000000000000000000000000000001")
	tokenB = common.HexToAddress("0xb000000000000000000000000000000000000002")
	tokenC = common.HexToAddress("0xc000000000000000000000000000000000000003")
	tokenD = common.HexToAddress("0xd000000000000000000000000000000000000004")
	tokenX = common.HexToAddress("0xe000000000000000000000000000000000000005") // never registered

	testOwner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	testSupplier = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testLP       = common.HexToAddress("0x5555555555555555555555555555555555555555")
	testTrader   = common.HexToAddress("0x6666666666666666666666666666666666666666")
	testStranger = common.HexToAddress("0x7777777777777777777777777777777777777777")
)

var poolLiquidity = e18(1_000_000)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), lending.RAY)
}

func requireBigEqual(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.Zero(t, want.Cmp(got), append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func receiptsOf(asset common.Address) (common.Address, common.Address, common.Address) {
	a := asset
	a[0] = 0xa1
	s := asset
	s[0] = 0x51
	v := asset
	v[0] = 0x71
	return a, s, v
}

type brokerFixture struct {
	state   *contract.MemoryStateDB
	broker  *Broker
	lending *lending.Pool
	factory *dex.Factory
	journal *audit.Journal
}

// newBrokerFixture deploys S, B, C and D with 1:1 pools S/B, B/C, C/S, C/D
// and D/S at 0.3% (plus S/B at 0.05%), a lending market for each, and a
// configured broker with every asset registered.
func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	state := contract.NewMemoryStateDB()
	oracle := lending.NewStaticOracle(testOracleAddr)
	pool := lending.NewPool(testLendingAddr, oracle)
	factory := dex.NewFactory(testFactoryAddr, testInitHash)

	assets := []common.Address{tokenS, tokenB, tokenC, tokenD, tokenX}
	for _, asset := range assets {
		ledger := token.Deploy(state, asset, 18)
		require.NoError(t, ledger.Mint(state, testLP, e18(10_000_000)))
		require.NoError(t, ledger.Mint(state, testSupplier, e18(100_000)))
		require.NoError(t, ledger.Mint(state, testTrader, e18(10_000)))
		require.NoError(t, ledger.Approve(state, testSupplier, testLendingAddr, token.MaxUint256))
		require.NoError(t, ledger.Approve(state, testTrader, testLendingAddr, token.MaxUint256))
		require.NoError(t, oracle.SetPrice(state, asset, lending.RAY))

		aTok, sTok, vTok := receiptsOf(asset)
		require.NoError(t, pool.InitReserve(state, lending.ReserveConfig{
			Underlying:           asset,
			AToken:               aTok,
			StableDebt:           sTok,
			VariableDebt:         vTok,
			LTV:                  8000,
			LiquidationThreshold: 8500,
		}))
		require.NoError(t, pool.Supply(state, testSupplier, asset, e18(100_000), testSupplier))
	}

	pairs := []struct {
		a, b common.Address
		fee  uint32
	}{
		{tokenS, tokenB, dex.Fee030},
		{tokenS, tokenB, dex.Fee005},
		{tokenB, tokenC, dex.Fee030},
		{tokenC, tokenS, dex.Fee030},
		{tokenC, tokenD, dex.Fee030},
		{tokenD, tokenS, dex.Fee030},
	}
	for _, p := range pairs {
		created, err := factory.CreatePool(state, p.a, p.b, p.fee)
		require.NoError(t, err)
		require.NoError(t, created.AddLiquidity(state, testLP, poolLiquidity, poolLiquidity))
	}

	journal := audit.New(memdb.New())
	b := New(ContractAddress, Options{Oracle: oracle, Journal: journal})
	require.NoError(t, b.Apply(state, &Config{
		Owner:        testOwner,
		LendingPool:  testLendingAddr,
		Factory:      testFactoryAddr,
		InitCodeHash: testInitHash,
	}))
	for _, asset := range assets[:4] {
		aTok, sTok, vTok := receiptsOf(asset)
		require.NoError(t, b.RegisterAsset(state, testOwner, asset, aTok, sTok, vTok))
	}
	require.NoError(t, b.ApproveLendingPool(state, testOwner, assets[:4]))

	return &brokerFixture{state: state, broker: b, lending: pool, factory: factory, journal: journal}
}

// fund supplies collateral of asset for user and grants the broker every
// allowance a trade may spend.
func (f *brokerFixture) fund(t *testing.T, user, asset common.Address, collateral *big.Int) {
	t.Helper()
	if collateral != nil && collateral.Sign() > 0 {
		require.NoError(t, f.lending.Supply(f.state, user, asset, collateral, user))
	}
	for _, a := range []common.Address{tokenS, tokenB, tokenC, tokenD} {
		aTok, sTok, vTok := receiptsOf(a)
		require.NoError(t, f.lending.ApproveDelegation(f.state, user, vTok, f.broker.Address, token.MaxUint256))
		require.NoError(t, f.lending.ApproveDelegation(f.state, user, sTok, f.broker.Address, token.MaxUint256))
		require.NoError(t, f.lending.ApproveCollateral(f.state, user, aTok, f.broker.Address, token.MaxUint256))
		require.NoError(t, token.At(a).Approve(f.state, user, f.broker.Address, token.MaxUint256))
	}
}

func (f *brokerFixture) collateral(asset, user common.Address) *big.Int {
	return f.lending.ATokenBalance(f.state, asset, user)
}

func (f *brokerFixture) debt(asset, user common.Address) *big.Int {
	return f.lending.VariableDebtBalance(f.state, asset, user)
}

func (f *brokerFixture) wallet(asset, owner common.Address) *big.Int {
	return token.At(asset).BalanceOf(f.state, owner)
}

// quoteIn is what amountIn of tokenIn buys in the tokenIn/tokenOut pool.
func (f *brokerFixture) quoteIn(t *testing.T, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) *big.Int {
	t.Helper()
	pool, err := f.factory.PoolFor(f.state, tokenIn, tokenOut, fee)
	require.NoError(t, err)
	out, err := pool.QuoteExactIn(f.state, tokenIn == pool.Key.Token0, amountIn)
	require.NoError(t, err)
	return out
}

// quoteOut is the tokenIn needed to buy amountOut of tokenOut.
func (f *brokerFixture) quoteOut(t *testing.T, tokenIn, tokenOut common.Address, fee uint32, amountOut *big.Int) *big.Int {
	t.Helper()
	pool, err := f.factory.PoolFor(f.state, tokenIn, tokenOut, fee)
	require.NoError(t, err)
	in, err := pool.QuoteExactOut(f.state, tokenIn == pool.Key.Token0, amountOut)
	require.NoError(t, err)
	return in
}

func (f *brokerFixture) requireBrokerFlat(t *testing.T) {
	t.Helper()
	for _, a := range []common.Address{tokenS, tokenB, tokenC, tokenD} {
		require.Zero(t, f.wallet(a, f.broker.Address).Sign(), "broker holds %s", a.Hex())
	}
	require.Equal(t, common.Address{}, contract.GetAddress(f.state, f.broker.Address, tradeLockKey))
	require.Zero(t, contract.GetBig(f.state, f.broker.Address, tradeInKey).Sign())
	require.Zero(t, contract.GetBig(f.state, f.broker.Address, tradeOutKey).Sign())
}

// =========================================================================
// Setup Tests
// =========================================================================

func TestApply_ConfiguresBroker(t *testing.T) {
	f := newBrokerFixture(t)
	b := f.broker

	require.Equal(t, testOwner, b.Owner(f.state))
	require.Equal(t, DefaultSettlementToleranceBps, b.SettlementToleranceBps(f.state))
	require.Len(t, b.Table().Modules(f.state), 6)
	require.Len(t, b.Table().Selectors(f.state, MarginTraderModule), 16)

	err := b.InitMarginTrader(f.state, testOwner, testLendingAddr)
	require.ErrorIs(t, err, ErrAlreadyInitialized)
	err = b.InitSwapProvider(f.state, testOwner, testFactoryAddr, testInitHash, common.Address{})
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestApply_Reactivation(t *testing.T) {
	f := newBrokerFixture(t)
	tolerance := uint64(120)
	newOwner := common.HexToAddress("0x0000000000000000000000000000000000000b22")

	require.NoError(t, f.broker.Apply(f.state, &Config{
		Owner:                  newOwner,
		LendingPool:            testLendingAddr,
		Factory:                testFactoryAddr,
		InitCodeHash:           testInitHash,
		SettlementToleranceBps: &tolerance,
	}))
	require.Equal(t, newOwner, f.broker.Owner(f.state))
	require.Equal(t, tolerance, f.broker.SettlementToleranceBps(f.state))
	require.Len(t, f.broker.Table().Modules(f.state), 6)
}

func TestConfig_Verify(t *testing.T) {
	bps := uint64(10_001)
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{"valid", Config{Owner: testOwner, Factory: testFactoryAddr, InitCodeHash: testInitHash}, nil},
		{"zero owner", Config{}, ErrZeroAddress},
		{"tolerance", Config{Owner: testOwner, SettlementToleranceBps: &bps}, ErrInvalidTolerance},
		{"factory without hash", Config{Owner: testOwner, Factory: testFactoryAddr}, ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Verify(nil)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfig_Equal(t *testing.T) {
	a, b := uint64(50), uint64(50)
	c1 := &Config{Owner: testOwner, LendingPool: testLendingAddr, SettlementToleranceBps: &a}
	c2 := &Config{Owner: testOwner, LendingPool: testLendingAddr, SettlementToleranceBps: &b}
	require.True(t, c1.Equal(c2))

	b = 51
	require.False(t, c1.Equal(c2))
	require.False(t, c1.Equal(&Config{Owner: testOwner, LendingPool: testLendingAddr}))
	require.Equal(t, ConfigKey, c1.Key())
}

// =========================================================================
// Registry Tests
// =========================================================================

func TestRegistry_Lookup(t *testing.T) {
	f := newBrokerFixture(t)

	entry, err := f.broker.Lookup(f.state, tokenS)
	require.NoError(t, err)
	aTok, sTok, vTok := receiptsOf(tokenS)
	require.Equal(t, aTok, entry.CollateralReceipt)
	require.Equal(t, sTok, entry.DebtReceipt(RateModeStable))
	require.Equal(t, vTok, entry.DebtReceipt(RateModeVariable))
	require.Equal(t, uint8(18), entry.Decimals)
	require.False(t, entry.IsWrappedNative)

	require.Equal(t, aTok, f.broker.GetCollateralReceipt(f.state, tokenS))
	require.Equal(t, sTok, f.broker.GetStableDebtReceipt(f.state, tokenS))
	require.Equal(t, vTok, f.broker.GetVariableDebtReceipt(f.state, tokenS))

	_, err = f.broker.Lookup(f.state, tokenX)
	require.ErrorIs(t, err, ErrUnregisteredAsset)
}

func TestRegistry_PartialEntryIsUnregistered(t *testing.T) {
	f := newBrokerFixture(t)
	aTok, sTok, _ := receiptsOf(tokenX)

	require.NoError(t, f.broker.AddCollateralReceipt(f.state, testOwner, tokenX, aTok))
	require.NoError(t, f.broker.AddStableDebtReceipt(f.state, testOwner, tokenX, sTok))
	_, err := f.broker.Lookup(f.state, tokenX)
	require.ErrorIs(t, err, ErrUnregisteredAsset)
	require.Equal(t, aTok, f.broker.GetCollateralReceipt(f.state, tokenX))
}

func TestRegistry_OnlyOwner(t *testing.T) {
	f := newBrokerFixture(t)
	aTok, sTok, vTok := receiptsOf(tokenX)
	before, err := f.journal.Len()
	require.NoError(t, err)

	err = f.broker.RegisterAsset(f.state, testStranger, tokenX, aTok, sTok, vTok)
	require.ErrorIs(t, err, ErrNotOwner)
	err = f.broker.AddVariableDebtReceipt(f.state, testStranger, tokenS, vTok)
	require.ErrorIs(t, err, ErrNotOwner)
	err = f.broker.RegisterAsset(f.state, testOwner, tokenX, aTok, common.Address{}, vTok)
	require.ErrorIs(t, err, ErrZeroAddress)

	require.Equal(t, common.Address{}, f.broker.GetCollateralReceipt(f.state, tokenX))
	after, err := f.journal.Len()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRegistry_OverwriteIsJournaled(t *testing.T) {
	f := newBrokerFixture(t)
	oldATok, _, _ := receiptsOf(tokenS)
	newATok := common.HexToAddress("0xa2a2000000000000000000000000000000000001")
	logs := len(f.state.Logs())

	require.NoError(t, f.broker.AddCollateralReceipt(f.state, testOwner, tokenS, newATok))
	require.Equal(t, newATok, f.broker.GetCollateralReceipt(f.state, tokenS))

	emitted := f.state.Logs()[logs:]
	require.Len(t, emitted, 1)
	require.Equal(t, ABI.Events["AssetReceiptSet"].ID, emitted[0].Topics[0])
	require.Equal(t, common.BytesToHash(tokenS.Bytes()), emitted[0].Topics[1])

	entries, err := f.journal.EntriesFor(tokenS)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	last := entries[3]
	require.Equal(t, testOwner, last.Actor)
	require.Equal(t, "collateral", last.Field)
	require.Equal(t, oldATok.Hex(), last.Previous)
	require.Equal(t, newATok.Hex(), last.Current)
}

func TestRegistry_CollateralMismatchBlocksWithdrawal(t *testing.T) {
	f := newBrokerFixture(t)
	f.fund(t, testTrader, tokenS, e18(500))
	require.NoError(t, f.broker.AddCollateralReceipt(f.state, testOwner, tokenS, common.HexToAddress("0xa2a2000000000000000000000000000000000001")))

	_, err := f.broker.SwapCollateralExactIn(f.state, testTrader, MarginSwapParams{
		TokenIn: tokenS, TokenOut: tokenC, Fee: dex.Fee030,
		InterestRateMode: RateModeVariable, Amount: e18(100),
	})
	require.ErrorIs(t, err, ErrUnregisteredAsset)
	requireBigEqual(t, e18(500), f.collateral(tokenS, testTrader))
}

func TestRegistry_DebtReceiptMismatchBlocksTrades(t *testing.T) {
	f := newBrokerFixture(t)
	f.fund(t, testTrader, tokenS, e18(500))
	stale := common.HexToAddress("0xa2a2000000000000000000000000000000000002")
	require.NoError(t, f.broker.AddVariableDebtReceipt(f.state, testOwner, tokenB, stale))
	before := f.snapshot(t, testTrader)

	// Borrow leg.
	_, err := f.broker.OpenMarginPositionExactIn(f.state, testTrader, single(tokenB, tokenS, e18(100), nil))
	require.ErrorIs(t, err, ErrUnregisteredAsset)
	before.requireEqual(t, f.snapshot(t, testTrader))

	// The stable receipt still matches.
	stable := single(tokenB, tokenS, e18(100), nil)
	stable.InterestRateMode = RateModeStable
	_, err = f.broker.OpenMarginPositionExactIn(f.state, testTrader, stable)
	require.NoError(t, err)
	requireBigEqual(t, e18(100), f.lending.StableDebtBalance(f.state, tokenB, testTrader))

	// Repay leg.
	require.NoError(t, f.broker.AddStableDebtReceipt(f.state, testOwner, tokenB, stale))
	before = f.snapshot(t, testTrader)
	trim := single(tokenS, tokenB, e18(10), nil)
	trim.InterestRateMode = RateModeStable
	_, err = f.broker.TrimMarginPositionExactIn(f.state, testTrader, trim)
	require.ErrorIs(t, err, ErrUnregisteredAsset)
	before.requireEqual(t, f.snapshot(t, testTrader))
}

// =========================================================================
// Management Tests
// =========================================================================

func TestTransferOwnership(t *testing.T) {
	f := newBrokerFixture(t)
	newOwner := common.HexToAddress("0x0000000000000000000000000000000000000b22")

	require.ErrorIs(t, f.broker.TransferOwnership(f.state, testStranger, newOwner), ErrNotOwner)
	require.ErrorIs(t, f.broker.TransferOwnership(f.state, testOwner, common.Address{}), ErrZeroAddress)
	require.NoError(t, f.broker.TransferOwnership(f.state, testOwner, newOwner))
	require.Equal(t, newOwner, f.broker.Owner(f.state))

	require.ErrorIs(t, f.broker.SetRouter(f.state, testOwner, testStranger), ErrNotOwner)
	require.NoError(t, f.broker.SetRouter(f.state, newOwner, testStranger))

	entries, err := f.journal.EntriesFor(f.broker.Address)
	require.NoError(t, err)
	var owners []string
	for _, e := range entries {
		if e.Field == "owner" {
			owners = append(owners, e.Current)
		}
	}
	require.Equal(t, []string{testOwner.Hex(), newOwner.Hex()}, owners)
}

func TestApproveRouter(t *testing.T) {
	f := newBrokerFixture(t)
	router := common.HexToAddress(registry.LXRouter)

	err := f.broker.ApproveRouter(f.state, testOwner, []common.Address{tokenS})
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, f.broker.SetRouter(f.state, testOwner, router))
	require.Equal(t, router, f.broker.Router(f.state))
	require.NoError(t, f.broker.ApproveRouter(f.state, testOwner, []common.Address{tokenS, tokenB}))
	requireBigEqual(t, token.MaxUint256, token.At(tokenS).Allowance(f.state, f.broker.Address, router))
	requireBigEqual(t, token.MaxUint256, token.At(tokenB).Allowance(f.state, f.broker.Address, router))
	requireBigEqual(t, token.MaxUint256, token.At(tokenS).Allowance(f.state, f.broker.Address, testLendingAddr))
}

func TestSetSettlementTolerance(t *testing.T) {
	f := newBrokerFixture(t)

	require.ErrorIs(t, f.broker.SetSettlementTolerance(f.state, testOwner, 10_001), ErrInvalidTolerance)
	require.ErrorIs(t, f.broker.SetSettlementTolerance(f.state, testStranger, 10), ErrNotOwner)
	require.NoError(t, f.broker.SetSettlementTolerance(f.state, testOwner, 10_000))
	require.Equal(t, uint64(10_000), f.broker.SettlementToleranceBps(f.state))
}

func TestUninitializedBroker(t *testing.T) {
	state := contract.NewMemoryStateDB()
	b := New(ContractAddress, Options{})
	require.NoError(t, b.Apply(state, &Config{Owner: testOwner}))

	_, err := b.OpenMarginPositionExactIn(state, testTrader, MarginSwapParams{
		TokenIn: tokenB, TokenOut: tokenS, Fee: dex.Fee030,
		InterestRateMode: RateModeVariable, Amount: e18(1),
	})
	require.ErrorIs(t, err, ErrUnregisteredAsset)

	_, err = b.GetUserAccountData(state, testTrader)
	require.ErrorIs(t, err, ErrNotInitialized)

	aTok, sTok, vTok := receiptsOf(tokenS)
	require.NoError(t, b.RegisterAsset(state, testOwner, tokenS, aTok, sTok, vTok))
	aTok, sTok, vTok = receiptsOf(tokenB)
	require.NoError(t, b.RegisterAsset(state, testOwner, tokenB, aTok, sTok, vTok))
	_, err = b.OpenMarginPositionExactIn(state, testTrader, MarginSwapParams{
		TokenIn: tokenB, TokenOut: tokenS, Fee: dex.Fee030,
		InterestRateMode: RateModeVariable, Amount: e18(1),
	})
	require.ErrorIs(t, err, ErrNotInitialized)
}
