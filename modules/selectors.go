// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/parsdao/broker/contract"
)

// ModuleCutAction is what ConfigureModules does with a cut's selectors.
type ModuleCutAction uint8

const (
	ActionAdd ModuleCutAction = iota
	ActionReplace
	ActionRemove
)

func (a ModuleCutAction) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionReplace:
		return "replace"
	case ActionRemove:
		return "remove"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ModuleCut attaches, repoints or detaches a group of function selectors.
type ModuleCut struct {
	Module    common.Address
	Action    ModuleCutAction
	Selectors [][4]byte
}

var (
	ErrSelectorExists    = errors.New("selector already attached")
	ErrSelectorMissing   = errors.New("selector not attached")
	ErrSameModule        = errors.New("selector already points to module")
	ErrZeroModule        = errors.New("module address is zero")
	ErrNoSelectors       = errors.New("no selectors in cut")
	ErrUnknownCutAction  = errors.New("unknown module cut action")
	ErrImmutableSelector = errors.New("selector belongs to the proxy itself")
)

var (
	selModulePrefix   = []byte("mods/sel")
	modSelCountPrefix = []byte("mods/len")
	modSelAtPrefix    = []byte("mods/at")
	modCountKey       = contract.StorageKey([]byte("mods/count"))
	modAtPrefix       = []byte("mods/mod")
	modIndexPrefix    = []byte("mods/idx")
)

// SelectorTable is the dispatch table of an upgradeable proxy: each 4-byte
// selector resolves to the module that implements it. The table lives in the
// proxy's own storage so it reverts with the rest of a failed call.
//
// Layout:
//
//	sel(selector)       -> [0:4] position in module list, [4] present, [12:32] module
//	len(module)         -> selector count for module
//	at(module, i)       -> selector i of module
//	count / mod(i)      -> list of modules with at least one selector
//	idx(module)         -> position+1 in the module list
type SelectorTable struct {
	proxy     common.Address
	immutable map[[4]byte]bool
}

// NewSelectorTable returns the table stored under proxy. Immutable selectors
// can never be replaced or removed once added.
func NewSelectorTable(proxy common.Address, immutable ...[4]byte) *SelectorTable {
	t := &SelectorTable{proxy: proxy, immutable: make(map[[4]byte]bool, len(immutable))}
	for _, sel := range immutable {
		t.immutable[sel] = true
	}
	return t
}

// ConfigureModules applies every cut in order. The caller is responsible for
// reverting state if an error is returned part-way.
func (t *SelectorTable) ConfigureModules(state contract.StateDB, cuts []ModuleCut) error {
	for i, cut := range cuts {
		if len(cut.Selectors) == 0 {
			return fmt.Errorf("cut %d: %w", i, ErrNoSelectors)
		}
		var err error
		switch cut.Action {
		case ActionAdd:
			err = t.add(state, cut.Module, cut.Selectors)
		case ActionReplace:
			err = t.replace(state, cut.Module, cut.Selectors)
		case ActionRemove:
			err = t.remove(state, cut.Selectors)
		default:
			err = ErrUnknownCutAction
		}
		if err != nil {
			return fmt.Errorf("cut %d (%s %s): %w", i, cut.Action, cut.Module.Hex(), err)
		}
	}
	return nil
}

// ModuleOf returns the module a selector dispatches to.
func (t *SelectorTable) ModuleOf(state contract.StateDB, selector [4]byte) (common.Address, bool) {
	module, _, ok := t.lookup(state, selector)
	return module, ok
}

// Selectors lists the selectors attached to module.
func (t *SelectorTable) Selectors(state contract.StateDB, module common.Address) [][4]byte {
	n := contract.GetUint64(state, t.proxy, contract.StorageKey(modSelCountPrefix, module.Bytes()))
	out := make([][4]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, t.selectorAt(state, module, i))
	}
	return out
}

// Modules lists every module with at least one selector attached.
func (t *SelectorTable) Modules(state contract.StateDB) []common.Address {
	n := contract.GetUint64(state, t.proxy, modCountKey)
	out := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, contract.GetAddress(state, t.proxy, contract.StorageKey(modAtPrefix, contract.Uint64Bytes(i))))
	}
	return out
}

func (t *SelectorTable) add(state contract.StateDB, module common.Address, selectors [][4]byte) error {
	if module == (common.Address{}) {
		return ErrZeroModule
	}
	for _, sel := range selectors {
		if _, _, ok := t.lookup(state, sel); ok {
			return fmt.Errorf("%w: %x", ErrSelectorExists, sel)
		}
		t.attach(state, module, sel)
	}
	return nil
}

func (t *SelectorTable) replace(state contract.StateDB, module common.Address, selectors [][4]byte) error {
	if module == (common.Address{}) {
		return ErrZeroModule
	}
	for _, sel := range selectors {
		current, _, ok := t.lookup(state, sel)
		if !ok {
			return fmt.Errorf("%w: %x", ErrSelectorMissing, sel)
		}
		if current == module {
			return fmt.Errorf("%w: %x", ErrSameModule, sel)
		}
		if t.immutable[sel] {
			return fmt.Errorf("%w: %x", ErrImmutableSelector, sel)
		}
		t.detach(state, sel)
		t.attach(state, module, sel)
	}
	return nil
}

func (t *SelectorTable) remove(state contract.StateDB, selectors [][4]byte) error {
	for _, sel := range selectors {
		if _, _, ok := t.lookup(state, sel); !ok {
			return fmt.Errorf("%w: %x", ErrSelectorMissing, sel)
		}
		if t.immutable[sel] {
			return fmt.Errorf("%w: %x", ErrImmutableSelector, sel)
		}
		t.detach(state, sel)
	}
	return nil
}

func (t *SelectorTable) lookup(state contract.StateDB, sel [4]byte) (common.Address, uint32, bool) {
	v := state.GetState(t.proxy, contract.StorageKey(selModulePrefix, sel[:]))
	if v[4] == 0 {
		return common.Address{}, 0, false
	}
	return common.BytesToAddress(v[12:]), binary.BigEndian.Uint32(v[:4]), true
}

func (t *SelectorTable) setEntry(state contract.StateDB, sel [4]byte, module common.Address, pos uint32) {
	var v common.Hash
	binary.BigEndian.PutUint32(v[:4], pos)
	v[4] = 1
	copy(v[12:], module.Bytes())
	state.SetState(t.proxy, contract.StorageKey(selModulePrefix, sel[:]), v)
}

func (t *SelectorTable) selectorAt(state contract.StateDB, module common.Address, i uint64) [4]byte {
	v := state.GetState(t.proxy, contract.StorageKey(modSelAtPrefix, module.Bytes(), contract.Uint64Bytes(i)))
	var sel [4]byte
	copy(sel[:], v[:4])
	return sel
}

func (t *SelectorTable) setSelectorAt(state contract.StateDB, module common.Address, i uint64, sel [4]byte) {
	var v common.Hash
	copy(v[:4], sel[:])
	state.SetState(t.proxy, contract.StorageKey(modSelAtPrefix, module.Bytes(), contract.Uint64Bytes(i)), v)
}

func (t *SelectorTable) attach(state contract.StateDB, module common.Address, sel [4]byte) {
	countKey := contract.StorageKey(modSelCountPrefix, module.Bytes())
	n := contract.GetUint64(state, t.proxy, countKey)
	if n == 0 {
		t.addModule(state, module)
	}
	t.setSelectorAt(state, module, n, sel)
	t.setEntry(state, sel, module, uint32(n))
	contract.SetUint64(state, t.proxy, countKey, n+1)
}

// detach removes sel from its module's list by moving the module's last
// selector into the freed position and repointing that selector's entry.
func (t *SelectorTable) detach(state contract.StateDB, sel [4]byte) {
	module, pos, _ := t.lookup(state, sel)
	countKey := contract.StorageKey(modSelCountPrefix, module.Bytes())
	n := contract.GetUint64(state, t.proxy, countKey)
	last := n - 1
	if uint64(pos) != last {
		moved := t.selectorAt(state, module, last)
		t.setSelectorAt(state, module, uint64(pos), moved)
		t.setEntry(state, moved, module, pos)
	}
	state.SetState(t.proxy, contract.StorageKey(modSelAtPrefix, module.Bytes(), contract.Uint64Bytes(last)), common.Hash{})
	state.SetState(t.proxy, contract.StorageKey(selModulePrefix, sel[:]), common.Hash{})
	contract.SetUint64(state, t.proxy, countKey, last)
	if last == 0 {
		t.removeModule(state, module)
	}
}

func (t *SelectorTable) addModule(state contract.StateDB, module common.Address) {
	n := contract.GetUint64(state, t.proxy, modCountKey)
	contract.SetAddress(state, t.proxy, contract.StorageKey(modAtPrefix, contract.Uint64Bytes(n)), module)
	contract.SetUint64(state, t.proxy, contract.StorageKey(modIndexPrefix, module.Bytes()), n+1)
	contract.SetUint64(state, t.proxy, modCountKey, n+1)
}

func (t *SelectorTable) removeModule(state contract.StateDB, module common.Address) {
	idxKey := contract.StorageKey(modIndexPrefix, module.Bytes())
	pos := contract.GetUint64(state, t.proxy, idxKey) - 1
	n := contract.GetUint64(state, t.proxy, modCountKey)
	last := n - 1
	if pos != last {
		moved := contract.GetAddress(state, t.proxy, contract.StorageKey(modAtPrefix, contract.Uint64Bytes(last)))
		contract.SetAddress(state, t.proxy, contract.StorageKey(modAtPrefix, contract.Uint64Bytes(pos)), moved)
		contract.SetUint64(state, t.proxy, contract.StorageKey(modIndexPrefix, moved.Bytes()), pos+1)
	}
	state.SetState(t.proxy, contract.StorageKey(modAtPrefix, contract.Uint64Bytes(last)), common.Hash{})
	state.SetState(t.proxy, idxKey, common.Hash{})
	contract.SetUint64(state, t.proxy, modCountKey, last)
}
