// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

// Package regionheader encodes and decodes the fixed-size internal
// header that sits at the start of every shared region (spec.md §3, §6):
// magic, version, state, the effective LayoutInfo and the derived
// Layout. It is imported by both transport (which only needs to peek at
// magic/version/fullSize during a two-phase attach, per §4.1) and
// pageexchange (which owns the rest of the region).
//
// All multi-byte fields are little-endian, matching §6's wire table.
package regionheader

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/hefsoftware/sharedimageipc/internal/fingerprint"
	"github.com/hefsoftware/sharedimageipc/internal/ipcerr"
)

// Sentinels from spec §6.
const (
	Magic   uint32 = 0x14BFA396
	Version uint32 = 0x100

	StateUninitialized uint32 = 0
	StateInitialized   uint32 = 0x6F43
)

// DefaultAlignment is substituted whenever an alignment field is zero.
const DefaultAlignment uint32 = 16

// pageLibHeaderSize is sizeof(int32), the library-owned per-page state
// word (spec §3's "library page header").
const pageLibHeaderSize = 4

// LayoutInfo mirrors spec §3/§6's `info`: header/page-header/page sizes
// and alignments, plus the page count.
type LayoutInfo struct {
	HeaderAlign     uint32
	HeaderSize      uint32
	PageHeaderAlign uint32
	PageHeaderSize  uint32
	PageAlign       uint32
	PageSize        uint32
	NumPages        uint32
}

// Layout mirrors spec §3/§6's derived `layout`.
type Layout struct {
	HeaderStart         uint32
	FirstPageStart      uint32
	WholePageSize       uint32
	LibPageHeaderOffset uint32
	AppPageHeaderOffset uint32
	DataOffset          uint32
	FullSize            uint32
}

// fixed-header field byte offsets.
const (
	offMagic   = 0
	offVersion = 4
	offState   = 8
	offInfo    = 12 // 7 * 4 bytes
	offLayout  = offInfo + 7*4
	offFp      = offLayout + 7*4
	// InternalHeaderSize is the size, in bytes, of the fixed header
	// this package owns: magic + version + state + info(7) + layout(7)
	// + an internal fingerprint (see package fingerprint).
	InternalHeaderSize = offFp + 8
)

func alignOf(align uint32) uint32 {
	if align == 0 {
		return DefaultAlignment
	}
	return align
}

func isPowerOfTwoOrZero(v uint32) bool {
	return v&(v-1) == 0
}

func upboundn(value, align uint32) uint32 {
	align = alignOf(align)
	return ((value + align - 1) / align) * align
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// ComputeLayout validates info's alignments and derives Layout. The first
// page starts on a multiple of the largest page alignment, so the
// per-page offsets (AppPageHeaderOffset, DataOffset) are aligned both
// relative to the page start and in absolute terms. The returned LayoutInfo has
// every zero alignment replaced by DefaultAlignment, matching "the info
// stored in shared memory reflects alignments actually used" (spec §3).
func ComputeLayout(info LayoutInfo) (LayoutInfo, Layout, error) {
	const op = "pageexchange.computeLayout"
	if !isPowerOfTwoOrZero(info.HeaderAlign) || !isPowerOfTwoOrZero(info.PageHeaderAlign) || !isPowerOfTwoOrZero(info.PageAlign) {
		return LayoutInfo{}, Layout{}, ipcerr.New(op, ipcerr.ParameterError, "alignments must be a power of two or zero")
	}
	norm := info
	norm.HeaderAlign = alignOf(info.HeaderAlign)
	norm.PageHeaderAlign = alignOf(info.PageHeaderAlign)
	norm.PageAlign = alignOf(info.PageAlign)

	pageStrideAlign := maxU32(alignOf(0), maxU32(alignOf(info.PageHeaderAlign), alignOf(info.PageAlign)))
	var l Layout
	l.HeaderStart = upboundn(InternalHeaderSize, info.HeaderAlign)
	l.FirstPageStart = upboundn(l.HeaderStart+info.HeaderSize, pageStrideAlign)
	l.LibPageHeaderOffset = 0
	l.AppPageHeaderOffset = upboundn(l.FirstPageStart+pageLibHeaderSize, info.PageHeaderAlign) - l.FirstPageStart
	l.DataOffset = upboundn(l.FirstPageStart+l.AppPageHeaderOffset+info.PageHeaderSize, info.PageAlign) - l.FirstPageStart
	l.WholePageSize = upboundn(l.FirstPageStart+l.DataOffset+info.PageSize, pageStrideAlign)
	l.FullSize = l.FirstPageStart + l.WholePageSize*info.NumPages
	return norm, l, nil
}

// Encode writes the fixed header (state left Uninitialized) for name
// into mem. Called only by the process that creates the region.
func Encode(mem []byte, name string, info LayoutInfo, layout Layout) {
	binary.LittleEndian.PutUint32(mem[offMagic:], Magic)
	binary.LittleEndian.PutUint32(mem[offVersion:], Version)
	binary.LittleEndian.PutUint32(mem[offState:], StateUninitialized)
	putInfo(mem[offInfo:], info)
	putLayout(mem[offLayout:], layout)
	binary.LittleEndian.PutUint64(mem[offFp:], fingerprint.Of(name))
}

func putInfo(b []byte, info LayoutInfo) {
	binary.LittleEndian.PutUint32(b[0:], info.HeaderAlign)
	binary.LittleEndian.PutUint32(b[4:], info.HeaderSize)
	binary.LittleEndian.PutUint32(b[8:], info.PageHeaderAlign)
	binary.LittleEndian.PutUint32(b[12:], info.PageHeaderSize)
	binary.LittleEndian.PutUint32(b[16:], info.PageAlign)
	binary.LittleEndian.PutUint32(b[20:], info.PageSize)
	binary.LittleEndian.PutUint32(b[24:], info.NumPages)
}

func getInfo(b []byte) LayoutInfo {
	return LayoutInfo{
		HeaderAlign:     binary.LittleEndian.Uint32(b[0:]),
		HeaderSize:      binary.LittleEndian.Uint32(b[4:]),
		PageHeaderAlign: binary.LittleEndian.Uint32(b[8:]),
		PageHeaderSize:  binary.LittleEndian.Uint32(b[12:]),
		PageAlign:       binary.LittleEndian.Uint32(b[16:]),
		PageSize:        binary.LittleEndian.Uint32(b[20:]),
		NumPages:        binary.LittleEndian.Uint32(b[24:]),
	}
}

func putLayout(b []byte, l Layout) {
	binary.LittleEndian.PutUint32(b[0:], l.HeaderStart)
	binary.LittleEndian.PutUint32(b[4:], l.FirstPageStart)
	binary.LittleEndian.PutUint32(b[8:], l.WholePageSize)
	binary.LittleEndian.PutUint32(b[12:], l.LibPageHeaderOffset)
	binary.LittleEndian.PutUint32(b[16:], l.AppPageHeaderOffset)
	binary.LittleEndian.PutUint32(b[20:], l.DataOffset)
	binary.LittleEndian.PutUint32(b[24:], l.FullSize)
}

func getLayout(b []byte) Layout {
	return Layout{
		HeaderStart:         binary.LittleEndian.Uint32(b[0:]),
		FirstPageStart:      binary.LittleEndian.Uint32(b[4:]),
		WholePageSize:       binary.LittleEndian.Uint32(b[8:]),
		LibPageHeaderOffset: binary.LittleEndian.Uint32(b[12:]),
		AppPageHeaderOffset: binary.LittleEndian.Uint32(b[16:]),
		DataOffset:          binary.LittleEndian.Uint32(b[20:]),
		FullSize:            binary.LittleEndian.Uint32(b[24:]),
	}
}

// PeekHeader reads just enough of mem to let transport decide whether a
// two-phase re-attach (spec §4.1) is needed, and to validate the header
// (magic, version, and — by the caller cross-checking Fingerprint — the
// logical name) before trusting fullSize.
func PeekHeader(mem []byte) (magic, version, fullSize uint32, err error) {
	if len(mem) < InternalHeaderSize {
		return 0, 0, 0, ipcerr.New("regionheader.PeekHeader", ipcerr.CorruptedHeader, "region shorter than internal header")
	}
	magic = binary.LittleEndian.Uint32(mem[offMagic:])
	version = binary.LittleEndian.Uint32(mem[offVersion:])
	fullSize = binary.LittleEndian.Uint32(mem[offLayout+6*4:])
	return magic, version, fullSize, nil
}

// Info decodes the LayoutInfo stored in mem. Valid only once State
// reports Initialized (spec invariant I5).
func Info(mem []byte) LayoutInfo { return getInfo(mem[offInfo:]) }

// GetLayout decodes the derived Layout stored in mem. Valid only once
// State reports Initialized.
func GetLayout(mem []byte) Layout { return getLayout(mem[offLayout:]) }

// Fingerprint decodes the diagnostic name fingerprint stored in mem.
func Fingerprint(mem []byte) uint64 { return binary.LittleEndian.Uint64(mem[offFp:]) }

// Magic/Version getters, used after Initialized is observed to confirm
// compatibility one more time (cheap, and guards against a future
// version skew bug rather than trusting the transport-level check alone).
func GetMagic(mem []byte) uint32   { return binary.LittleEndian.Uint32(mem[offMagic:]) }
func GetVersion(mem []byte) uint32 { return binary.LittleEndian.Uint32(mem[offVersion:]) }

// State atomically loads the region state word with acquire semantics:
// the creator's single Uninitialized -> Initialized transition is the
// publish fence for every other field in the header (spec I4, I5).
func State(mem []byte) uint32 {
	addr := (*uint32)(unsafe.Pointer(&mem[offState]))
	return atomic.LoadUint32(addr)
}

// PublishInitialized atomically stores StateInitialized with
// release semantics, making every prior write to layout/info/header/page
// headers visible to a peer that observes the new state (spec §4.2's
// "store to state is a publish fence").
func PublishInitialized(mem []byte) {
	addr := (*uint32)(unsafe.Pointer(&mem[offState]))
	atomic.StoreUint32(addr, StateInitialized)
}
