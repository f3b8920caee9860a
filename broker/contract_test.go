// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/dex"
	"github.com/parsdao/broker/modules"
	"github.com/parsdao/broker/registry"
)

const testGas uint64 = 1_000_000

func pack(t *testing.T, method string, args ...interface{}) []byte {
	t.Helper()
	data, err := ABI.Pack(method, args...)
	require.NoError(t, err)
	return data
}

func (f *brokerFixture) run(caller common.Address, input []byte, readOnly bool) ([]byte, uint64, error) {
	return f.broker.Run(contract.NewAccessibleState(f.state, 0), caller, f.broker.Address, input, testGas, readOnly)
}

func (f *brokerFixture) view(t *testing.T, method string, args ...interface{}) []interface{} {
	t.Helper()
	ret, _, err := f.run(testStranger, pack(t, method, args...), true)
	require.NoError(t, err)
	out, err := ABI.Unpack(method, ret)
	require.NoError(t, err)
	return out
}

// =========================================================================
// Dispatch Tests
// =========================================================================

func TestRun_OpenExactIn(t *testing.T) {
	f := newBrokerFixture(t)
	f.fund(t, testTrader, tokenS, e18(500))
	quote := f.quoteIn(t, tokenB, tokenS, dex.Fee030, e18(950))

	input := pack(t, MethodOpenExactIn,
		tokenB, tokenS, big.NewInt(int64(dex.Fee030)),
		new(big.Int), uint8(RateModeVariable), e18(950),
		new(big.Int), quote,
	)
	ret, remaining, err := f.run(testTrader, input, false)
	require.NoError(t, err)
	require.Equal(t, testGas-GasTrade, remaining)

	out, err := ABI.Unpack(MethodOpenExactIn, ret)
	require.NoError(t, err)
	requireBigEqual(t, quote, out[0].(*big.Int))
	requireBigEqual(t, e18(950), f.debt(tokenB, testTrader))
	f.requireBrokerFlat(t)

	data := f.view(t, MethodGetUserAccountData, testTrader)
	require.Len(t, data, 6)
	requireBigEqual(t, e18(950), data[1].(*big.Int))
}

func TestRun_TradeMultiExactOut(t *testing.T) {
	f := newBrokerFixture(t)
	f.fund(t, testTrader, tokenS, e18(500))
	swaps := f.factory.TotalSwaps(f.state)

	input := pack(t, MethodOpenExactOutMulti,
		route(t, tokenS, tokenC, tokenB), new(big.Int), uint8(RateModeVariable), e18(100), new(big.Int))
	ret, remaining, err := f.run(testTrader, input, false)
	require.NoError(t, err)
	require.Equal(t, testGas-GasTrade-GasTradeHop, remaining)

	out, err := ABI.Unpack(MethodOpenExactOutMulti, ret)
	require.NoError(t, err)
	requireBigEqual(t, out[0].(*big.Int), f.debt(tokenB, testTrader))
	requireBigEqual(t, e18(600), f.collateral(tokenS, testTrader))
	require.Equal(t, swaps+2, f.factory.TotalSwaps(f.state))
}

func TestRun_RouteGasScalesWithPools(t *testing.T) {
	f := newBrokerFixture(t)
	f.fund(t, testTrader, tokenS, e18(500))
	input := pack(t, MethodOpenExactInMulti,
		route(t, tokenB, tokenC, tokenD, tokenS), new(big.Int), uint8(RateModeVariable), e18(100), new(big.Int))
	want := GasTrade + 2*GasTradeHop

	before := f.snapshot(t, testTrader)
	_, remaining, err := f.broker.Run(contract.NewAccessibleState(f.state, 0), testTrader, f.broker.Address, input, want-1, false)
	require.ErrorIs(t, err, ErrOutOfGas)
	require.Zero(t, remaining)
	before.requireEqual(t, f.snapshot(t, testTrader))

	_, remaining, err = f.broker.Run(contract.NewAccessibleState(f.state, 0), testTrader, f.broker.Address, input, want, false)
	require.NoError(t, err)
	require.Zero(t, remaining)
	requireBigEqual(t, e18(100), f.debt(tokenB, testTrader))
	f.requireBrokerFlat(t)
}

func TestRun_Views(t *testing.T) {
	f := newBrokerFixture(t)
	aTok, sTok, vTok := receiptsOf(tokenC)

	require.Equal(t, testOwner, f.view(t, MethodOwner)[0])
	require.Equal(t, uint16(DefaultSettlementToleranceBps), f.view(t, MethodSettlementTolerance)[0])
	require.Equal(t, aTok, f.view(t, MethodGetCollateralReceipt, tokenC)[0])
	require.Equal(t, sTok, f.view(t, MethodGetStableDebtReceipt, tokenC)[0])
	require.Equal(t, vTok, f.view(t, MethodGetVariableDebtReceipt, tokenC)[0])
	require.Equal(t, common.Address{}, f.view(t, MethodRouter)[0])

	mods := f.view(t, MethodModules)[0].([]common.Address)
	require.ElementsMatch(t, []common.Address{
		f.broker.Address, MarginTraderModule, SwapCallbackModule, ManagementModule, InitModule, DataViewerModule,
	}, mods)
	require.Equal(t, MarginTraderModule, f.view(t, MethodModuleAddress, ABI.Selector(MethodTrimExactOut))[0])
	require.Equal(t, [][4]byte{ABI.Selector(MethodSwapCallback)}, f.view(t, MethodModuleFunctionSelectors, SwapCallbackModule)[0])
}

func TestRun_Management(t *testing.T) {
	f := newBrokerFixture(t)
	aTok, sTok, vTok := receiptsOf(tokenX)

	_, _, err := f.run(testStranger, pack(t, MethodRegisterAsset, tokenX, aTok, sTok, vTok), false)
	require.ErrorIs(t, err, ErrNotOwner)
	_, _, err = f.run(testOwner, pack(t, MethodRegisterAsset, tokenX, aTok, sTok, vTok), false)
	require.NoError(t, err)
	_, err = f.broker.Lookup(f.state, tokenX)
	require.NoError(t, err)

	_, _, err = f.run(testOwner, pack(t, MethodSetSettlementTolerance, uint16(75)), false)
	require.NoError(t, err)
	require.Equal(t, uint16(75), f.view(t, MethodSettlementTolerance)[0])

	router := common.HexToAddress(registry.LXRouter)
	_, _, err = f.run(testOwner, pack(t, MethodSetRouter, router), false)
	require.NoError(t, err)
	_, _, err = f.run(testOwner, pack(t, MethodApproveRouter, []common.Address{tokenX}), false)
	require.NoError(t, err)
	require.Equal(t, router, f.view(t, MethodRouter)[0])

	_, _, err = f.run(testOwner, pack(t, MethodInitSwapProvider, testFactoryAddr, [32]byte(testInitHash), common.Address{}), false)
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestRun_Errors(t *testing.T) {
	f := newBrokerFixture(t)
	f.fund(t, testTrader, tokenS, e18(500))
	trade := pack(t, MethodOpenExactIn,
		tokenB, tokenS, big.NewInt(int64(dex.Fee030)),
		new(big.Int), uint8(RateModeVariable), e18(10),
		new(big.Int), new(big.Int),
	)

	t.Run("unknown selector", func(t *testing.T) {
		_, remaining, err := f.run(testTrader, []byte{0x01, 0x02, 0x03, 0x04}, false)
		require.ErrorIs(t, err, ErrFunctionNotFound)
		require.Equal(t, testGas, remaining)
	})

	t.Run("short input", func(t *testing.T) {
		_, _, err := f.run(testTrader, []byte{0x01}, false)
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("truncated arguments", func(t *testing.T) {
		input := pack(t, MethodTransferOwnership, testStranger)
		_, _, err := f.run(testOwner, input[:20], false)
		require.ErrorIs(t, err, ErrInvalidInput)
		require.Equal(t, testOwner, f.broker.Owner(f.state))
	})

	t.Run("out of gas", func(t *testing.T) {
		_, remaining, err := f.broker.Run(contract.NewAccessibleState(f.state, 0), testTrader, f.broker.Address, trade, GasTrade-1, false)
		require.ErrorIs(t, err, ErrOutOfGas)
		require.Zero(t, remaining)
		require.Zero(t, f.debt(tokenB, testTrader).Sign())
	})

	t.Run("read only", func(t *testing.T) {
		_, _, err := f.run(testTrader, trade, true)
		require.ErrorIs(t, err, ErrWriteProtection)
		require.Zero(t, f.debt(tokenB, testTrader).Sign())
	})

	t.Run("callback from stranger", func(t *testing.T) {
		data := callbackData(t, CallbackContext{Path: route(t, tokenB, tokenS), Payer: testTrader, RateMode: RateModeVariable})
		_, _, err := f.run(testStranger, pack(t, MethodSwapCallback, e18(1), e18(-1), data), false)
		require.ErrorIs(t, err, ErrUnauthorizedCallback)
	})

	t.Run("trade reverts", func(t *testing.T) {
		before := f.snapshot(t, testTrader)
		oversized := pack(t, MethodOpenExactIn,
			tokenB, tokenS, big.NewInt(int64(dex.Fee030)),
			new(big.Int), uint8(RateModeVariable), e18(5_000),
			new(big.Int), new(big.Int),
		)
		_, _, err := f.run(testTrader, oversized, false)
		require.ErrorIs(t, err, ErrInsufficientCollateral)
		before.requireEqual(t, f.snapshot(t, testTrader))
	})
}

// =========================================================================
// Module Configuration Tests
// =========================================================================

func TestConfigureModules_RemoveWithInit(t *testing.T) {
	f := newBrokerFixture(t)
	router := common.HexToAddress(registry.LXRouter)
	routerSel := ABI.Selector(MethodRouter)

	err := f.broker.ConfigureModules(f.state, testOwner, []modules.ModuleCut{
		{Module: DataViewerModule, Action: modules.ActionRemove, Selectors: [][4]byte{routerSel}},
	}, pack(t, MethodSetRouter, router))
	require.NoError(t, err)
	require.Equal(t, router, f.broker.Router(f.state))

	_, _, err = f.run(testStranger, pack(t, MethodRouter), true)
	require.ErrorIs(t, err, ErrFunctionNotFound)
	require.Len(t, f.broker.Table().Selectors(f.state, DataViewerModule), len(viewerMethodNames)-1)
	require.Equal(t, uint16(DefaultSettlementToleranceBps), f.view(t, MethodSettlementTolerance)[0])

	entries, err := f.journal.EntriesFor(DataViewerModule)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	require.Equal(t, "module", last.Kind)
	require.Equal(t, "remove", last.Field)
}

func TestConfigureModules_FailedInitRevertsCuts(t *testing.T) {
	f := newBrokerFixture(t)
	routerSel := ABI.Selector(MethodRouter)
	logs := len(f.state.Logs())

	err := f.broker.ConfigureModules(f.state, testOwner, []modules.ModuleCut{
		{Module: DataViewerModule, Action: modules.ActionRemove, Selectors: [][4]byte{routerSel}},
	}, pack(t, MethodInitMarginTrader, testLendingAddr))
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	module, ok := f.broker.Table().ModuleOf(f.state, routerSel)
	require.True(t, ok)
	require.Equal(t, DataViewerModule, module)
	require.Len(t, f.state.Logs(), logs)
}

func TestConfigureModules_Guards(t *testing.T) {
	f := newBrokerFixture(t)
	cut := []modules.ModuleCut{
		{Module: DataViewerModule, Action: modules.ActionRemove, Selectors: [][4]byte{ABI.Selector(MethodRouter)}},
	}

	require.ErrorIs(t, f.broker.ConfigureModules(f.state, testStranger, cut, nil), ErrNotOwner)

	err := f.broker.ConfigureModules(f.state, testOwner, []modules.ModuleCut{
		{Module: f.broker.Address, Action: modules.ActionRemove, Selectors: [][4]byte{ABI.Selector(MethodConfigureModules)}},
	}, nil)
	require.ErrorIs(t, err, modules.ErrImmutableSelector)

	err = f.broker.ConfigureModules(f.state, testOwner, []modules.ModuleCut{
		{Module: ManagementModule, Action: modules.ActionAdd, Selectors: [][4]byte{ABI.Selector(MethodOwner)}},
	}, nil)
	require.ErrorIs(t, err, modules.ErrSelectorExists)
}

func TestConfigureModules_ReplaceAndRestore(t *testing.T) {
	f := newBrokerFixture(t)
	f.fund(t, testTrader, tokenS, e18(500))
	upgraded := common.HexToAddress("0x000000000000000000000000000000000000beef")
	sel := ABI.Selector(MethodOpenExactIn)
	trade := pack(t, MethodOpenExactIn,
		tokenB, tokenS, big.NewInt(int64(dex.Fee030)),
		new(big.Int), uint8(RateModeVariable), e18(10),
		new(big.Int), new(big.Int),
	)

	require.NoError(t, f.broker.ConfigureModules(f.state, testOwner, []modules.ModuleCut{
		{Module: upgraded, Action: modules.ActionReplace, Selectors: [][4]byte{sel}},
	}, nil))
	require.Equal(t, upgraded, f.view(t, MethodModuleAddress, sel)[0])
	_, _, err := f.run(testTrader, trade, false)
	require.ErrorIs(t, err, ErrFunctionNotFound)

	// Other trade selectors keep working.
	_, _, err = f.run(testTrader, pack(t, MethodOpenExactOut,
		tokenB, tokenS, big.NewInt(int64(dex.Fee030)),
		new(big.Int), uint8(RateModeVariable), e18(10),
		new(big.Int), new(big.Int),
	), false)
	require.NoError(t, err)

	require.NoError(t, f.broker.ConfigureModules(f.state, testOwner, []modules.ModuleCut{
		{Module: MarginTraderModule, Action: modules.ActionReplace, Selectors: [][4]byte{sel}},
	}, nil))
	debt := f.debt(tokenB, testTrader)
	_, _, err = f.run(testTrader, trade, false)
	require.NoError(t, err)
	requireBigEqual(t, new(big.Int).Add(debt, e18(10)), f.debt(tokenB, testTrader))
}

func TestConfigureModules_ThroughRun(t *testing.T) {
	f := newBrokerFixture(t)
	routerSel := ABI.Selector(MethodRouter)
	input := pack(t, MethodConfigureModules,
		[]common.Address{DataViewerModule},
		[]uint8{uint8(modules.ActionRemove)},
		[][][4]byte{{routerSel}},
		[]byte{},
	)

	_, _, err := f.run(testStranger, input, false)
	require.ErrorIs(t, err, ErrNotOwner)

	_, remaining, err := f.run(testOwner, input, false)
	require.NoError(t, err)
	require.Equal(t, testGas-GasConfigureModules, remaining)
	require.Equal(t, common.Address{}, f.view(t, MethodModuleAddress, routerSel)[0])

	mismatched := pack(t, MethodConfigureModules,
		[]common.Address{DataViewerModule, ManagementModule},
		[]uint8{uint8(modules.ActionRemove)},
		[][][4]byte{{ABI.Selector(MethodSettlementTolerance)}},
		[]byte{},
	)
	_, _, err = f.run(testOwner, mismatched, false)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestModule_Registered(t *testing.T) {
	mod, ok := modules.GetPrecompileModuleByAddress(ContractAddress)
	require.True(t, ok)
	require.Equal(t, ConfigKey, mod.ConfigKey)
	require.Same(t, BrokerPrecompile, mod.Contract)

	mod, ok = modules.GetPrecompileModule(ConfigKey)
	require.True(t, ok)
	require.Equal(t, ContractAddress, mod.Address)
	require.True(t, modules.ReservedAddress(ContractAddress))
	require.Equal(t, "LP-9090", registry.LPNumber(ContractAddress))

	// Address and key are both taken.
	require.Error(t, modules.RegisterModule(Module))
	dup := Module
	dup.ConfigKey = "otherBrokerConfig"
	require.Error(t, modules.RegisterModule(dup))
	dup.Address = modules.BlackholeAddr
	require.Error(t, modules.RegisterModule(dup))
	dup.Address = testStranger
	require.Error(t, modules.RegisterModule(dup))
}
