// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package broker

import (
	"fmt"
	"strings"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"

	"github.com/parsdao/broker/contract"
)

// ExtendedABI wraps the standard ABI and adds PackOutput, UnpackInput, and PackEvent methods
type ExtendedABI struct {
	abi.ABI
}

// ParseABI parses the raw ABI JSON and returns an ExtendedABI
func ParseABI(rawABI string) ExtendedABI {
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ABI: %v", err))
	}
	return ExtendedABI{ABI: parsed}
}

// PackOutput packs the return values of method name, without the method ID.
func (e ExtendedABI) PackOutput(name string, args ...interface{}) ([]byte, error) {
	method, exist := e.Methods[name]
	if !exist {
		return nil, fmt.Errorf("method '%s' not found", name)
	}
	return method.Outputs.Pack(args...)
}

// UnpackInput unpacks calldata (without the method ID) of method name.
func (e ExtendedABI) UnpackInput(name string, data []byte) ([]interface{}, error) {
	method, exist := e.Methods[name]
	if !exist {
		return nil, fmt.Errorf("method '%s' not found", name)
	}
	return method.Inputs.Unpack(data)
}

// Selector returns the 4-byte ID of method name.
func (e ExtendedABI) Selector(name string) [4]byte {
	var sel [4]byte
	copy(sel[:], e.Methods[name].ID)
	return sel
}

// PackEvent returns the topics and data of event name.
func (e ExtendedABI) PackEvent(name string, args ...interface{}) ([]common.Hash, []byte, error) {
	event, exist := e.Events[name]
	if !exist {
		return nil, nil, fmt.Errorf("event '%s' not found", name)
	}
	if len(args) != len(event.Inputs) {
		return nil, nil, fmt.Errorf("event '%s' unexpected number of inputs %d", name, len(args))
	}

	var (
		nonIndexedInputs = make([]interface{}, 0)
		indexedInputs    = make([]interface{}, 0)
		nonIndexedArgs   abi.Arguments
	)
	for i, arg := range event.Inputs {
		if arg.Indexed {
			indexedInputs = append(indexedInputs, args[i])
		} else {
			nonIndexedArgs = append(nonIndexedArgs, arg)
			nonIndexedInputs = append(nonIndexedInputs, args[i])
		}
	}

	packedArguments, err := nonIndexedArgs.Pack(nonIndexedInputs...)
	if err != nil {
		return nil, nil, err
	}

	topics := make([]common.Hash, 0, len(indexedInputs)+1)
	if !event.Anonymous {
		topics = append(topics, event.ID)
	}
	for _, input := range indexedInputs {
		topic, err := packTopic(input)
		if err != nil {
			return nil, nil, err
		}
		topics = append(topics, topic)
	}
	return topics, packedArguments, nil
}

func packTopic(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case common.Address:
		return common.BytesToHash(v.Bytes()), nil
	case common.Hash:
		return v, nil
	case []byte:
		return common.BytesToHash(crypto.Keccak256(v)), nil
	case string:
		return common.BytesToHash(crypto.Keccak256([]byte(v))), nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type: %T", value)
	}
}

// Method names
const (
	MethodOpenExactIn       = "openMarginPositionExactIn"
	MethodOpenExactOut      = "openMarginPositionExactOut"
	MethodOpenExactInMulti  = "openMarginPositionExactInMulti"
	MethodOpenExactOutMulti = "openMarginPositionExactOutMulti"

	MethodTrimExactIn       = "trimMarginPositionExactIn"
	MethodTrimExactOut      = "trimMarginPositionExactOut"
	MethodTrimExactInMulti  = "trimMarginPositionExactInMulti"
	MethodTrimExactOutMulti = "trimMarginPositionExactOutMulti"

	MethodSwapCollateralExactIn       = "swapCollateralExactIn"
	MethodSwapCollateralExactOut      = "swapCollateralExactOut"
	MethodSwapCollateralExactInMulti  = "swapCollateralExactInMulti"
	MethodSwapCollateralExactOutMulti = "swapCollateralExactOutMulti"

	MethodSwapBorrowExactIn       = "swapBorrowExactIn"
	MethodSwapBorrowExactOut      = "swapBorrowExactOut"
	MethodSwapBorrowExactInMulti  = "swapBorrowExactInMulti"
	MethodSwapBorrowExactOutMulti = "swapBorrowExactOutMulti"

	MethodSwapCallback = "uniswapV3SwapCallback"

	MethodOwner                  = "owner"
	MethodTransferOwnership      = "transferOwnership"
	MethodSetRouter              = "setRouter"
	MethodApproveRouter          = "approveRouter"
	MethodApproveLendingPool     = "approveLendingPool"
	MethodRegisterAsset          = "registerAsset"
	MethodAddCollateralReceipt   = "addCollateralReceipt"
	MethodAddStableDebtReceipt   = "addStableDebtReceipt"
	MethodAddVariableDebtReceipt = "addVariableDebtReceipt"
	MethodSetSettlementTolerance = "setSettlementTolerance"

	MethodInitMarginTrader = "initMarginTrader"
	MethodInitSwapProvider = "initSwapProvider"

	MethodGetUserAccountData     = "getUserAccountData"
	MethodGetCollateralReceipt   = "getCollateralReceipt"
	MethodGetStableDebtReceipt   = "getStableDebtReceipt"
	MethodGetVariableDebtReceipt = "getVariableDebtReceipt"
	MethodRouter                 = "router"
	MethodSettlementTolerance    = "settlementTolerance"

	MethodConfigureModules        = "configureModules"
	MethodModuleFunctionSelectors = "moduleFunctionSelectors"
	MethodModuleAddress           = "moduleAddress"
	MethodModules                 = "modules"
)

func abiArg(name, typ string) string {
	return fmt.Sprintf(`{"name":%q,"type":%q}`, name, typ)
}

func abiMethod(name, mutability string, inputs, outputs []string) string {
	return fmt.Sprintf(`{"type":"function","name":%q,"stateMutability":%q,"inputs":[%s],"outputs":[%s]}`,
		name, mutability, strings.Join(inputs, ","), strings.Join(outputs, ","))
}

func tradeMethods(prefix string) []string {
	rateMode := abiArg("interestRateMode", "uint8")
	provided := abiArg("userAmountProvided", "uint256")
	single := func(amount, limit string) []string {
		return []string{
			abiArg("tokenIn", "address"), abiArg("tokenOut", "address"), abiArg("fee", "uint24"),
			provided, rateMode, abiArg(amount, "uint256"),
			abiArg("sqrtPriceLimitX96", "uint160"), abiArg(limit, "uint256"),
		}
	}
	multi := func(amount, limit string) []string {
		return []string{abiArg("path", "bytes"), provided, rateMode, abiArg(amount, "uint256"), abiArg(limit, "uint256")}
	}
	amountOut := []string{abiArg("amountOut", "uint256")}
	amountIn := []string{abiArg("amountIn", "uint256")}
	return []string{
		abiMethod(prefix+"ExactIn", "nonpayable", single("amountIn", "amountOutMinimum"), amountOut),
		abiMethod(prefix+"ExactOut", "nonpayable", single("amountOut", "amountInMaximum"), amountIn),
		abiMethod(prefix+"ExactInMulti", "nonpayable", multi("amountIn", "amountOutMinimum"), amountOut),
		abiMethod(prefix+"ExactOutMulti", "nonpayable", multi("amountOut", "amountInMaximum"), amountIn),
	}
}

func rawBrokerABI() string {
	var entries []string
	for _, prefix := range []string{"openMarginPosition", "trimMarginPosition", "swapCollateral", "swapBorrow"} {
		entries = append(entries, tradeMethods(prefix)...)
	}

	addr := func(name string) string { return abiArg(name, "address") }
	assetReceipt := []string{addr("asset"), addr("receipt")}
	entries = append(entries,
		abiMethod(MethodSwapCallback, "nonpayable",
			[]string{abiArg("amount0Delta", "int256"), abiArg("amount1Delta", "int256"), abiArg("data", "bytes")}, nil),

		abiMethod(MethodOwner, "view", nil, []string{addr("owner")}),
		abiMethod(MethodTransferOwnership, "nonpayable", []string{addr("newOwner")}, nil),
		abiMethod(MethodSetRouter, "nonpayable", []string{addr("router")}, nil),
		abiMethod(MethodApproveRouter, "nonpayable", []string{abiArg("assets", "address[]")}, nil),
		abiMethod(MethodApproveLendingPool, "nonpayable", []string{abiArg("assets", "address[]")}, nil),
		abiMethod(MethodRegisterAsset, "nonpayable",
			[]string{addr("asset"), addr("collateralReceipt"), addr("stableDebtReceipt"), addr("variableDebtReceipt")}, nil),
		abiMethod(MethodAddCollateralReceipt, "nonpayable", assetReceipt, nil),
		abiMethod(MethodAddStableDebtReceipt, "nonpayable", assetReceipt, nil),
		abiMethod(MethodAddVariableDebtReceipt, "nonpayable", assetReceipt, nil),
		abiMethod(MethodSetSettlementTolerance, "nonpayable", []string{abiArg("bps", "uint16")}, nil),

		abiMethod(MethodInitMarginTrader, "nonpayable", []string{addr("lendingPool")}, nil),
		abiMethod(MethodInitSwapProvider, "nonpayable",
			[]string{addr("factory"), abiArg("initCodeHash", "bytes32"), addr("wrappedNative")}, nil),

		abiMethod(MethodGetUserAccountData, "view", []string{addr("user")}, []string{
			abiArg("totalCollateralBase", "uint256"),
			abiArg("totalDebtBase", "uint256"),
			abiArg("availableBorrowsBase", "uint256"),
			abiArg("currentLiquidationThreshold", "uint256"),
			abiArg("ltv", "uint256"),
			abiArg("healthFactor", "uint256"),
		}),
		abiMethod(MethodGetCollateralReceipt, "view", []string{addr("asset")}, []string{addr("receipt")}),
		abiMethod(MethodGetStableDebtReceipt, "view", []string{addr("asset")}, []string{addr("receipt")}),
		abiMethod(MethodGetVariableDebtReceipt, "view", []string{addr("asset")}, []string{addr("receipt")}),
		abiMethod(MethodRouter, "view", nil, []string{addr("router")}),
		abiMethod(MethodSettlementTolerance, "view", nil, []string{abiArg("bps", "uint16")}),

		abiMethod(MethodConfigureModules, "nonpayable", []string{
			abiArg("modules", "address[]"),
			abiArg("actions", "uint8[]"),
			abiArg("selectors", "bytes4[][]"),
			abiArg("init", "bytes"),
		}, nil),
		abiMethod(MethodModuleFunctionSelectors, "view", []string{addr("module")}, []string{abiArg("selectors", "bytes4[]")}),
		abiMethod(MethodModuleAddress, "view", []string{abiArg("selector", "bytes4")}, []string{addr("module")}),
		abiMethod(MethodModules, "view", nil, []string{abiArg("modules", "address[]")}),

		`{"type":"event","name":"MarginTrade","anonymous":false,"inputs":[`+
			`{"name":"user","type":"address","indexed":true},`+
			`{"name":"kind","type":"uint8","indexed":false},`+
			`{"name":"mode","type":"uint8","indexed":false},`+
			`{"name":"tokenIn","type":"address","indexed":false},`+
			`{"name":"tokenOut","type":"address","indexed":false},`+
			`{"name":"amountIn","type":"uint256","indexed":false},`+
			`{"name":"amountOut","type":"uint256","indexed":false}]}`,
		`{"type":"event","name":"AssetReceiptSet","anonymous":false,"inputs":[`+
			`{"name":"asset","type":"address","indexed":true},`+
			`{"name":"field","type":"string","indexed":false},`+
			`{"name":"previous","type":"address","indexed":false},`+
			`{"name":"current","type":"address","indexed":false}]}`,
		`{"type":"event","name":"ModulesConfigured","anonymous":false,"inputs":[`+
			`{"name":"module","type":"address","indexed":true},`+
			`{"name":"action","type":"uint8","indexed":false},`+
			`{"name":"selectors","type":"bytes4[]","indexed":false}]}`,
		`{"type":"event","name":"OwnershipTransferred","anonymous":false,"inputs":[`+
			`{"name":"previousOwner","type":"address","indexed":true},`+
			`{"name":"newOwner","type":"address","indexed":true}]}`,
	)
	return "[" + strings.Join(entries, ",") + "]"
}

// ABI is the broker proxy's full interface.
var ABI = ParseABI(rawBrokerABI())

func (b *Broker) emitEvent(state contract.StateDB, name string, args ...interface{}) {
	topics, data, err := ABI.PackEvent(name, args...)
	if err != nil {
		b.log.Error("failed to pack event", "event", name, "err", err)
		return
	}
	state.AddLog(&ethtypes.Log{
		Address:     b.Address,
		Topics:      topics,
		Data:        data,
		BlockNumber: state.GetBlockNumber(),
	})
}
