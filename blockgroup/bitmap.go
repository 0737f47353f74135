// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blockgroup implements the block-group descriptor and the
// inode/data bitmap allocator described in spec.md §4.3.
package blockgroup

// TestBit and SetBit/ClearBit use ext2 bit-numbering: bits are numbered
// LSB-first within each byte, i.e. bit i of a bitmap lives at
// bm[i/8] & (1 << (i%8)). This is called out explicitly in spec.md §9 as a
// requirement for on-disk compatibility with existing ext2-derived images,
// and is the one place this implementation must NOT use Go's more natural
// MSB-first big.Int-style bit order.

// TestBit reports whether bit i of bm is set.
func TestBit(bm []byte, i uint32) bool {
	return bm[i/8]&(1<<(i%8)) != 0
}

// SetBit sets bit i of bm.
func SetBit(bm []byte, i uint32) {
	bm[i/8] |= 1 << (i % 8)
}

// ClearBit clears bit i of bm.
func ClearBit(bm []byte, i uint32) {
	bm[i/8] &^= 1 << (i % 8)
}

// FindFirstZero scans bm, starting at hint (in bits), for the first clear
// bit within [0, nbits). It wraps around once. Returns -1 if every bit in
// [0, nbits) is set.
func FindFirstZero(bm []byte, nbits uint32, hint uint32) int32 {
	if nbits == 0 {
		return -1
	}
	hint %= nbits
	for i := uint32(0); i < nbits; i++ {
		idx := (hint + i) % nbits
		if !TestBit(bm, idx) {
			return int32(idx)
		}
	}
	return -1
}

// PopCount returns the number of set bits in bm[0:nbits).
func PopCount(bm []byte, nbits uint32) uint32 {
	var n uint32
	full := nbits / 8
	for i := uint32(0); i < full; i++ {
		n += uint32(popcountByte(bm[i]))
	}
	for i := full * 8; i < nbits; i++ {
		if TestBit(bm, i) {
			n++
		}
	}
	return n
}

func popcountByte(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}
