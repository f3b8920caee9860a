// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package contract

import (
	"encoding/binary"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// StorageKey derives a storage slot as BLAKE3(prefix || parts...).
func StorageKey(prefix []byte, parts ...[]byte) common.Hash {
	h := blake3.New()
	h.Write(prefix)
	for _, p := range parts {
		h.Write(p)
	}
	var key common.Hash
	h.Digest().Read(key[:])
	return key
}

// Uint64Bytes is the big-endian encoding used for indices inside slot keys.
func Uint64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// GetBig reads a slot as an unsigned 256-bit integer.
func GetBig(state StateDB, addr common.Address, key common.Hash) *big.Int {
	v := state.GetState(addr, key)
	return new(big.Int).SetBytes(v[:])
}

// SetBig writes an unsigned integer into a slot. Values wider than 256 bits
// or negative values panic, as they indicate an accounting bug.
func SetBig(state StateDB, addr common.Address, key common.Hash, value *big.Int) {
	if value.Sign() < 0 {
		panic("contract: negative value written to storage")
	}
	var h common.Hash
	value.FillBytes(h[:])
	state.SetState(addr, key, h)
}

// GetUint64 reads the low 8 bytes of a slot.
func GetUint64(state StateDB, addr common.Address, key common.Hash) uint64 {
	v := state.GetState(addr, key)
	return binary.BigEndian.Uint64(v[24:])
}

// SetUint64 writes v into the low 8 bytes of a slot.
func SetUint64(state StateDB, addr common.Address, key common.Hash, v uint64) {
	var h common.Hash
	binary.BigEndian.PutUint64(h[24:], v)
	state.SetState(addr, key, h)
}

// GetAddress reads an address stored right-aligned in a slot.
func GetAddress(state StateDB, addr common.Address, key common.Hash) common.Address {
	v := state.GetState(addr, key)
	return common.BytesToAddress(v[12:])
}

// SetAddress stores an address right-aligned in a slot.
func SetAddress(state StateDB, addr common.Address, key common.Hash, value common.Address) {
	state.SetState(addr, key, common.BytesToHash(value.Bytes()))
}
