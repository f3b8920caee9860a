// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/audit"
	"github.com/parsdao/broker/contract"
	"github.com/parsdao/broker/modules"
	"github.com/parsdao/broker/path"
)

var _ contract.StatefulPrecompiledContract = (*Broker)(nil)

// Gas costs
const (
	GasTrade            uint64 = 250_000
	GasTradeHop         uint64 = 120_000 // each pool of a route after the first
	GasSwapCallback     uint64 = 60_000
	GasManagement       uint64 = 20_000
	GasConfigureModules uint64 = 60_000
	GasView             uint64 = 2_600
)

// Built-in module addresses
var (
	MarginTraderModule = moduleAddress("marginTrader")
	SwapCallbackModule = moduleAddress("swapCallback")
	ManagementModule   = moduleAddress("management")
	InitModule         = moduleAddress("init")
	DataViewerModule   = moduleAddress("dataViewer")
)

func moduleAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("broker.module." + name))[12:])
}

var (
	tradeMethodNames = []string{
		MethodOpenExactIn, MethodOpenExactOut, MethodOpenExactInMulti, MethodOpenExactOutMulti,
		MethodTrimExactIn, MethodTrimExactOut, MethodTrimExactInMulti, MethodTrimExactOutMulti,
		MethodSwapCollateralExactIn, MethodSwapCollateralExactOut, MethodSwapCollateralExactInMulti, MethodSwapCollateralExactOutMulti,
		MethodSwapBorrowExactIn, MethodSwapBorrowExactOut, MethodSwapBorrowExactInMulti, MethodSwapBorrowExactOutMulti,
	}
	managementMethodNames = []string{
		MethodOwner, MethodTransferOwnership, MethodSetRouter, MethodApproveRouter, MethodApproveLendingPool,
		MethodRegisterAsset, MethodAddCollateralReceipt, MethodAddStableDebtReceipt, MethodAddVariableDebtReceipt,
		MethodSetSettlementTolerance,
	}
	initMethodNames   = []string{MethodInitMarginTrader, MethodInitSwapProvider}
	viewerMethodNames = []string{
		MethodGetUserAccountData, MethodGetCollateralReceipt, MethodGetStableDebtReceipt,
		MethodGetVariableDebtReceipt, MethodRouter, MethodSettlementTolerance,
	}
	proxyMethodNames = []string{MethodConfigureModules, MethodModuleFunctionSelectors, MethodModuleAddress, MethodModules}
)

func selectorsOf(names []string) [][4]byte {
	out := make([][4]byte, len(names))
	for i, name := range names {
		out[i] = ABI.Selector(name)
	}
	return out
}

func proxySelectors() [][4]byte {
	return selectorsOf(proxyMethodNames)
}

// DefaultModuleCuts attaches the proxy's own functions and every built-in
// module.
func (b *Broker) DefaultModuleCuts() []modules.ModuleCut {
	return []modules.ModuleCut{
		{Module: b.Address, Action: modules.ActionAdd, Selectors: selectorsOf(proxyMethodNames)},
		{Module: MarginTraderModule, Action: modules.ActionAdd, Selectors: selectorsOf(tradeMethodNames)},
		{Module: SwapCallbackModule, Action: modules.ActionAdd, Selectors: selectorsOf([]string{MethodSwapCallback})},
		{Module: ManagementModule, Action: modules.ActionAdd, Selectors: selectorsOf(managementMethodNames)},
		{Module: InitModule, Action: modules.ActionAdd, Selectors: selectorsOf(initMethodNames)},
		{Module: DataViewerModule, Action: modules.ActionAdd, Selectors: selectorsOf(viewerMethodNames)},
	}
}

type handler struct {
	method string
	gas    uint64
	write  bool
	run    func(c *call, caller common.Address, args []interface{}) ([]interface{}, error)
	// hopGas, when set, prices the call from its decoded arguments.
	hopGas func(args []interface{}) uint64
}

func (h handler) cost(args []interface{}) uint64 {
	if h.hopGas == nil {
		return h.gas
	}
	return h.gas + h.hopGas(args)
}

// routeGas charges GasTradeHop for every pool of the route after the first.
// Malformed routes pay the base cost and fail in the trade itself.
func routeGas(args []interface{}) uint64 {
	pools, err := path.NumPools(argBytes(args, 0))
	if err != nil || pools <= 1 {
		return 0
	}
	return uint64(pools-1) * GasTradeHop
}

func (b *Broker) buildHandlers() map[common.Address]map[[4]byte]handler {
	all := make(map[common.Address]map[[4]byte]handler)
	install := func(module common.Address, hs ...handler) {
		m := all[module]
		if m == nil {
			m = make(map[[4]byte]handler)
			all[module] = m
		}
		for _, h := range hs {
			m[ABI.Selector(h.method)] = h
		}
	}

	install(MarginTraderModule, tradeHandlers()...)
	install(SwapCallbackModule, handler{
		method: MethodSwapCallback, gas: GasSwapCallback, write: true,
		run: func(c *call, caller common.Address, args []interface{}) ([]interface{}, error) {
			return nil, c.SwapCallback(c.state, caller, argBig(args, 0), argBig(args, 1), argBytes(args, 2))
		},
	})
	install(ManagementModule, managementHandlers()...)
	install(InitModule,
		handler{
			method: MethodInitMarginTrader, gas: GasManagement, write: true,
			run: func(c *call, caller common.Address, args []interface{}) ([]interface{}, error) {
				return nil, c.initMarginTrader(caller, argAddress(args, 0))
			},
		},
		handler{
			method: MethodInitSwapProvider, gas: GasManagement, write: true,
			run: func(c *call, caller common.Address, args []interface{}) ([]interface{}, error) {
				hash, _ := args[1].([32]byte)
				return nil, c.initSwapProvider(caller, argAddress(args, 0), common.Hash(hash), argAddress(args, 2))
			},
		},
	)
	install(DataViewerModule, viewerHandlers()...)
	install(b.Address, proxyHandlers()...)
	return all
}

func tradeHandlers() []handler {
	type variant struct {
		kind  TradeKind
		names [4]string
	}
	variants := []variant{
		{KindOpen, [4]string{MethodOpenExactIn, MethodOpenExactOut, MethodOpenExactInMulti, MethodOpenExactOutMulti}},
		{KindTrim, [4]string{MethodTrimExactIn, MethodTrimExactOut, MethodTrimExactInMulti, MethodTrimExactOutMulti}},
		{KindCollateralSwap, [4]string{MethodSwapCollateralExactIn, MethodSwapCollateralExactOut, MethodSwapCollateralExactInMulti, MethodSwapCollateralExactOutMulti}},
		{KindDebtSwap, [4]string{MethodSwapBorrowExactIn, MethodSwapBorrowExactOut, MethodSwapBorrowExactInMulti, MethodSwapBorrowExactOutMulti}},
	}
	var out []handler
	for _, v := range variants {
		for i, name := range v.names {
			kind, mode, multi := v.kind, SwapMode(i%2), i >= 2
			var hopGas func([]interface{}) uint64
			if multi {
				hopGas = routeGas
			}
			out = append(out, handler{
				method: name, gas: GasTrade, write: true, hopGas: hopGas,
				run: func(c *call, caller common.Address, args []interface{}) ([]interface{}, error) {
					var p requester
					if multi {
						p = MarginSwapMultiParams{
							Path:               argBytes(args, 0),
							UserAmountProvided: argBig(args, 1),
							InterestRateMode:   RateMode(argUint8(args, 2)),
							Amount:             argBig(args, 3),
							AmountLimit:        argBig(args, 4),
						}
					} else {
						fee := argBig(args, 2)
						if !fee.IsUint64() || fee.Uint64() >= 1<<24 {
							return nil, fmt.Errorf("%w: fee %s", ErrInvalidInput, fee)
						}
						p = MarginSwapParams{
							TokenIn:            argAddress(args, 0),
							TokenOut:           argAddress(args, 1),
							Fee:                uint32(fee.Uint64()),
							UserAmountProvided: argBig(args, 3),
							InterestRateMode:   RateMode(argUint8(args, 4)),
							Amount:             argBig(args, 5),
							SqrtPriceLimitX96:  argBig(args, 6),
							AmountLimit:        argBig(args, 7),
						}
					}
					req, err := p.request(kind, mode, caller)
					if err != nil {
						return nil, err
					}
					amount, err := c.trade(req)
					Metrics().observeTrade(kind, mode, err)
					if err != nil {
						return nil, err
					}
					return []interface{}{amount}, nil
				},
			})
		}
	}
	return out
}

func managementHandlers() []handler {
	write := func(method string, fn func(c *call, caller common.Address, args []interface{}) error) handler {
		return handler{
			method: method, gas: GasManagement, write: true,
			run: func(c *call, caller common.Address, args []interface{}) ([]interface{}, error) {
				return nil, fn(c, caller, args)
			},
		}
	}
	receipt := func(method string, field ReceiptField) handler {
		return write(method, func(c *call, caller common.Address, args []interface{}) error {
			return c.addReceipt(caller, argAddress(args, 0), field, argAddress(args, 1))
		})
	}
	return []handler{
		{
			method: MethodOwner, gas: GasView,
			run: func(c *call, _ common.Address, _ []interface{}) ([]interface{}, error) {
				return []interface{}{c.owner()}, nil
			},
		},
		write(MethodTransferOwnership, func(c *call, caller common.Address, args []interface{}) error {
			return c.transferOwnership(caller, argAddress(args, 0))
		}),
		write(MethodSetRouter, func(c *call, caller common.Address, args []interface{}) error {
			return c.setRouter(caller, argAddress(args, 0))
		}),
		write(MethodApproveRouter, func(c *call, caller common.Address, args []interface{}) error {
			return c.approveRouter(caller, argAddresses(args, 0))
		}),
		write(MethodApproveLendingPool, func(c *call, caller common.Address, args []interface{}) error {
			return c.approveLendingPool(caller, argAddresses(args, 0))
		}),
		write(MethodRegisterAsset, func(c *call, caller common.Address, args []interface{}) error {
			return c.registerAsset(caller, argAddress(args, 0), argAddress(args, 1), argAddress(args, 2), argAddress(args, 3))
		}),
		receipt(MethodAddCollateralReceipt, CollateralReceipt),
		receipt(MethodAddStableDebtReceipt, StableDebtReceipt),
		receipt(MethodAddVariableDebtReceipt, VariableDebtReceipt),
		write(MethodSetSettlementTolerance, func(c *call, caller common.Address, args []interface{}) error {
			bps, _ := args[0].(uint16)
			return c.setSettlementTolerance(caller, uint64(bps))
		}),
	}
}

func viewerHandlers() []handler {
	view := func(method string, fn func(c *call, args []interface{}) ([]interface{}, error)) handler {
		return handler{
			method: method, gas: GasView,
			run: func(c *call, _ common.Address, args []interface{}) ([]interface{}, error) {
				return fn(c, args)
			},
		}
	}
	receipt := func(method string, field ReceiptField) handler {
		return view(method, func(c *call, args []interface{}) ([]interface{}, error) {
			return []interface{}{c.receipt(argAddress(args, 0), field)}, nil
		})
	}
	return []handler{
		view(MethodGetUserAccountData, func(c *call, args []interface{}) ([]interface{}, error) {
			mm, err := c.moneyMarket()
			if err != nil {
				return nil, err
			}
			data, err := mm.GetUserAccountData(argAddress(args, 0))
			if err != nil {
				return nil, err
			}
			return []interface{}{
				data.TotalCollateralBase,
				data.TotalDebtBase,
				data.AvailableBorrowsBase,
				data.CurrentLiquidationThreshold,
				data.LTV,
				data.HealthFactor,
			}, nil
		}),
		receipt(MethodGetCollateralReceipt, CollateralReceipt),
		receipt(MethodGetStableDebtReceipt, StableDebtReceipt),
		receipt(MethodGetVariableDebtReceipt, VariableDebtReceipt),
		view(MethodRouter, func(c *call, _ []interface{}) ([]interface{}, error) {
			return []interface{}{contract.GetAddress(c.state, c.b.Address, routerKey)}, nil
		}),
		view(MethodSettlementTolerance, func(c *call, _ []interface{}) ([]interface{}, error) {
			return []interface{}{uint16(c.toleranceBps())}, nil
		}),
	}
}

func proxyHandlers() []handler {
	return []handler{
		{
			method: MethodConfigureModules, gas: GasConfigureModules, write: true,
			run: func(c *call, caller common.Address, args []interface{}) ([]interface{}, error) {
				mods := argAddresses(args, 0)
				actions, _ := args[1].([]uint8)
				selectors, _ := args[2].([][][4]byte)
				if len(mods) != len(actions) || len(mods) != len(selectors) {
					return nil, fmt.Errorf("%w: %d modules, %d actions, %d selector lists",
						ErrInvalidInput, len(mods), len(actions), len(selectors))
				}
				cuts := make([]modules.ModuleCut, len(mods))
				for i := range mods {
					cuts[i] = modules.ModuleCut{Module: mods[i], Action: modules.ModuleCutAction(actions[i]), Selectors: selectors[i]}
				}
				return nil, c.configureModules(caller, cuts, argBytes(args, 3))
			},
		},
		{
			method: MethodModuleFunctionSelectors, gas: GasView,
			run: func(c *call, _ common.Address, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.b.table.Selectors(c.state, argAddress(args, 0))}, nil
			},
		},
		{
			method: MethodModuleAddress, gas: GasView,
			run: func(c *call, _ common.Address, args []interface{}) ([]interface{}, error) {
				sel, _ := args[0].([4]byte)
				module, _ := c.b.table.ModuleOf(c.state, sel)
				return []interface{}{module}, nil
			},
		},
		{
			method: MethodModules, gas: GasView,
			run: func(c *call, _ common.Address, _ []interface{}) ([]interface{}, error) {
				return []interface{}{c.b.table.Modules(c.state)}, nil
			},
		},
	}
}

// configureModules applies cuts and then, if init is set, dispatches it
// through the updated table as caller.
func (c *call) configureModules(caller common.Address, cuts []modules.ModuleCut, init []byte) error {
	if err := c.onlyOwner(caller); err != nil {
		return err
	}
	if err := c.applyCuts(caller, cuts); err != nil {
		return err
	}
	if len(init) == 0 {
		return nil
	}
	h, args, err := c.b.resolve(c.state, init)
	if err != nil {
		return fmt.Errorf("module init: %w", err)
	}
	if _, err := h.run(c, caller, args); err != nil {
		return fmt.Errorf("module init %s: %w", h.method, err)
	}
	return nil
}

func (c *call) applyCuts(actor common.Address, cuts []modules.ModuleCut) error {
	if err := c.b.table.ConfigureModules(c.state, cuts); err != nil {
		return err
	}
	for _, cut := range cuts {
		c.b.emitEvent(c.state, "ModulesConfigured", cut.Module, uint8(cut.Action), cut.Selectors)
		c.record(audit.Entry{
			Actor:   actor,
			Kind:    "module",
			Subject: cut.Module,
			Field:   cut.Action.String(),
			Current: fmt.Sprintf("%d selectors", len(cut.Selectors)),
		})
	}
	c.b.log.Info("modules configured", "cuts", len(cuts))
	return nil
}

// ConfigureModules is the Go entry point of configureModules.
func (b *Broker) ConfigureModules(state contract.StateDB, caller common.Address, cuts []modules.ModuleCut, init []byte) error {
	return b.exec(state, func(c *call) error { return c.configureModules(caller, cuts, init) })
}

// resolve finds the handler for input's selector and decodes its arguments.
func (b *Broker) resolve(state contract.StateDB, input []byte) (handler, []interface{}, error) {
	if len(input) < 4 {
		return handler{}, nil, fmt.Errorf("%w: %d bytes", ErrInvalidInput, len(input))
	}
	var selector [4]byte
	copy(selector[:], input[:4])

	module, ok := b.table.ModuleOf(state, selector)
	if !ok {
		return handler{}, nil, fmt.Errorf("%w: %x", ErrFunctionNotFound, selector)
	}
	h, ok := b.handlers[module][selector]
	if !ok {
		return handler{}, nil, fmt.Errorf("%w: %x has no implementation in module %s", ErrFunctionNotFound, selector, module.Hex())
	}
	args, err := ABI.UnpackInput(h.method, input[4:])
	if err != nil {
		return handler{}, nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, h.method, err)
	}
	return h, args, nil
}

// Run dispatches ABI calldata through the selector table. Every call is
// atomic: an error reverts all state changes made during the call.
func (b *Broker) Run(
	accessibleState contract.AccessibleState,
	caller common.Address,
	addr common.Address,
	input []byte,
	suppliedGas uint64,
	readOnly bool,
) ([]byte, uint64, error) {
	state := accessibleState.GetStateDB()

	h, args, err := b.resolve(state, input)
	if err != nil {
		return nil, suppliedGas, err
	}
	gas := h.cost(args)
	if suppliedGas < gas {
		return nil, 0, ErrOutOfGas
	}
	remainingGas := suppliedGas - gas
	if readOnly && h.write {
		return nil, remainingGas, fmt.Errorf("%w: %s", ErrWriteProtection, h.method)
	}

	ret, err := transact(b, state, func(c *call) ([]byte, error) {
		results, err := h.run(c, caller, args)
		if err != nil {
			return nil, err
		}
		return ABI.PackOutput(h.method, results...)
	})
	Metrics().observeCall(h.method, err)
	if err != nil && !errors.Is(err, ErrUnauthorizedCallback) {
		b.log.Debug("broker call reverted", "method", h.method, "caller", caller, "err", err)
	}
	return ret, remainingGas, err
}

// =========================================================================
// Argument helpers. Types are guaranteed by ABI decoding.
// =========================================================================

func argAddress(args []interface{}, i int) common.Address {
	v, _ := args[i].(common.Address)
	return v
}

func argAddresses(args []interface{}, i int) []common.Address {
	v, _ := args[i].([]common.Address)
	return v
}

func argBig(args []interface{}, i int) *big.Int {
	v, _ := args[i].(*big.Int)
	if v == nil {
		return new(big.Int)
	}
	return v
}

func argBytes(args []interface{}, i int) []byte {
	v, _ := args[i].([]byte)
	return v
}

func argUint8(args []interface{}, i int) uint8 {
	v, _ := args[i].(uint8)
	return v
}
