// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package mask

// Diff returns the signed distance from a to b in TCP sequence space.
// Positive means b comes after a. Distances are taken modulo 2^32 and
// interpreted in [-2^31, 2^31), so a stream can extend 2 GiB on either side
// of its origin before positions alias.
func Diff(a, b uint32) int64 {
	return int64(int32(b - a))
}

// Advance moves seq forward by n bytes, wrapping at 2^32.
func Advance(seq uint32, n int64) uint32 {
	return seq + uint32(n)
}

// SeqLen returns the length of the modular interval [start, end).
func SeqLen(start, end uint32) uint32 {
	return end - start
}
