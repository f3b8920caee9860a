// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package path encodes swap routes as packed byte strings:
//
//	token0 (20) | fee0 (3) | token1 (20) | fee1 (3) | token2 (20) ...
//
// A route with k pools is exactly 20 + 23k bytes.
package path

import (
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"
)

const (
	AddrSize = common.AddressLength
	FeeSize  = 3

	// NextOffset is the distance from one token to the next.
	NextOffset = AddrSize + FeeSize
	// PopSize is the length of a single-pool path.
	PopSize = NextOffset + AddrSize
	// MultiplePoolsMinLength is the shortest path spanning two pools.
	MultiplePoolsMinLength = PopSize + NextOffset

	maxFee = 1<<24 - 1
)

var ErrMalformedPath = errors.New("malformed path")

// Hop is one pool traversal.
type Hop struct {
	TokenIn  common.Address
	TokenOut common.Address
	Fee      uint32
}

// Validate reports whether p is 20 + 23k bytes with k >= 1.
func Validate(p []byte) error {
	if len(p) < PopSize || (len(p)-AddrSize)%NextOffset != 0 {
		return fmt.Errorf("%w: length %d", ErrMalformedPath, len(p))
	}
	return nil
}

// Encode packs tokens and the fees between them.
func Encode(tokens []common.Address, fees []uint32) ([]byte, error) {
	if len(tokens) < 2 || len(fees) != len(tokens)-1 {
		return nil, fmt.Errorf("%w: %d tokens, %d fees", ErrMalformedPath, len(tokens), len(fees))
	}
	out := make([]byte, 0, AddrSize+len(fees)*NextOffset)
	for i, fee := range fees {
		if fee > maxFee {
			return nil, fmt.Errorf("%w: fee %d exceeds uint24", ErrMalformedPath, fee)
		}
		out = append(out, tokens[i].Bytes()...)
		out = append(out, byte(fee>>16), byte(fee>>8), byte(fee))
	}
	return append(out, tokens[len(tokens)-1].Bytes()...), nil
}

// NumPools returns the number of pools the path traverses.
func NumPools(p []byte) (int, error) {
	if err := Validate(p); err != nil {
		return 0, err
	}
	return (len(p) - AddrSize) / NextOffset, nil
}

// HasMultiplePools reports whether the path spans two or more pools.
func HasMultiplePools(p []byte) bool {
	return len(p) >= MultiplePoolsMinLength
}

// DecodeFirstHop reads the leading token, fee and next token.
func DecodeFirstHop(p []byte) (Hop, error) {
	if err := Validate(p); err != nil {
		return Hop{}, err
	}
	return decodeAt(p, 0), nil
}

// DecodeLastHop reads the trailing hop, anchored at the end of the path.
func DecodeLastHop(p []byte) (Hop, error) {
	if err := Validate(p); err != nil {
		return Hop{}, err
	}
	return decodeAt(p, len(p)-PopSize), nil
}

// SkipHop drops the leading token and fee. The result shares p's memory.
func SkipHop(p []byte) ([]byte, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	if !HasMultiplePools(p) {
		return nil, fmt.Errorf("%w: cannot skip the only hop", ErrMalformedPath)
	}
	return p[NextOffset:], nil
}

// Tokens lists every token on the path in order.
func Tokens(p []byte) ([]common.Address, error) {
	n, err := NumPools(p)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, common.BytesToAddress(p[i*NextOffset:i*NextOffset+AddrSize]))
	}
	return out, nil
}

// Hops decodes every hop in order.
func Hops(p []byte) ([]Hop, error) {
	n, err := NumPools(p)
	if err != nil {
		return nil, err
	}
	out := make([]Hop, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, decodeAt(p, i*NextOffset))
	}
	return out, nil
}

// Reverse returns the same route traversed in the opposite direction.
func Reverse(p []byte) ([]byte, error) {
	hops, err := Hops(p)
	if err != nil {
		return nil, err
	}
	tokens := make([]common.Address, 0, len(hops)+1)
	fees := make([]uint32, 0, len(hops))
	tokens = append(tokens, hops[len(hops)-1].TokenOut)
	for i := len(hops) - 1; i >= 0; i-- {
		fees = append(fees, hops[i].Fee)
		tokens = append(tokens, hops[i].TokenIn)
	}
	return Encode(tokens, fees)
}

func decodeAt(p []byte, off int) Hop {
	fee := p[off+AddrSize : off+NextOffset]
	return Hop{
		TokenIn:  common.BytesToAddress(p[off : off+AddrSize]),
		Fee:      uint32(fee[0])<<16 | uint32(fee[1])<<8 | uint32(fee[2]),
		TokenOut: common.BytesToAddress(p[off+NextOffset : off+PopSize]),
	}
}
