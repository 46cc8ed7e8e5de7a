// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

package pageexchange

import (
	"sync/atomic"
	"unsafe"

	"github.com/hefsoftware/sharedimageipc/internal/regionheader"
)

// The library page header is a single signed 32-bit word: sign is the
// owner (positive = producer, negative = consumer), magnitude is the
// meaning (1 = free, 2 = data, >= 3 = custom). Ownership and meaning
// always flip together in one atomic store (spec §3, §9).

func pageOffset(layout regionheader.Layout, i uint32) uint32 {
	return layout.FirstPageStart + layout.WholePageSize*i
}

func loadPageState(mem []byte, layout regionheader.Layout, i uint32) int32 {
	off := pageOffset(layout, i) + layout.LibPageHeaderOffset
	addr := (*int32)(unsafe.Pointer(&mem[off]))
	return atomic.LoadInt32(addr)
}

// storePageState is release-ordered: every prior write to the page's app
// header and payload becomes visible to a peer that observes the new
// state via loadPageState's matching acquire load.
func storePageState(mem []byte, layout regionheader.Layout, i uint32, state int32) {
	off := pageOffset(layout, i) + layout.LibPageHeaderOffset
	addr := (*int32)(unsafe.Pointer(&mem[off]))
	atomic.StoreInt32(addr, state)
}

func isFreeState(state int32) bool { return state == 1 || state == -1 }

func isOwnedByProducer(state int32) bool { return state > 0 }

func magnitude(state int32) int32 {
	if state < 0 {
		return -state
	}
	return state
}
