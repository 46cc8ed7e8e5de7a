// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

// Package pageexchange owns the shared-memory layout, the initialization
// handshake, and the per-page ownership state machine described in
// spec.md §3 and §4.2. It is built entirely on top of transport.Region's
// []byte and notification pair; imageframe is built entirely on top of
// this package's Handle.
package pageexchange

import (
	"github.com/hefsoftware/sharedimageipc/internal/diag"
	"github.com/hefsoftware/sharedimageipc/internal/ipcerr"
	"github.com/hefsoftware/sharedimageipc/internal/regionheader"
	"github.com/hefsoftware/sharedimageipc/transport"
)

// LayoutInfo and Layout are re-exported so callers never need to import
// internal/regionheader directly.
type LayoutInfo = regionheader.LayoutInfo
type Layout = regionheader.Layout

// Handle is one process's attachment to a named region, plus the
// process-local scratch and bookkeeping from spec.md §3's "per-process
// local state". Not safe for concurrent use from multiple goroutines
// (spec §5).
type Handle struct {
	name   string
	role   transport.Role
	region *transport.Region
	mem    []byte

	info   regionheader.LayoutInfo
	layout regionheader.Layout

	needInitialize bool // true iff this process created the region
	initObserved   bool // "initializedObserved" latch, spec §3/§9

	local []byte

	log     *diag.Session
	lastErr error
}

func (h *Handle) setErr(err error) error {
	h.lastErr = err
	return err
}

// LastError returns the message of the most recently failed operation,
// or "" if none has failed since this handle was created (spec §6).
func (h *Handle) LastError() string {
	if h.lastErr == nil {
		return ""
	}
	return h.lastErr.Error()
}

// Role reports whether this handle plays the producer or consumer side.
func (h *Handle) Role() transport.Role { return h.role }

// Create attaches name via transport, computing (or, if the region
// already exists, reading back) its layout. The returned Handle is
// always non-nil, even on error, so the caller can still read
// LastError() — create "still returns a handle on failure" (spec §7).
//
// If NeedInitialize() is true, the caller owns setting up the region:
// populate Header(), call InitPageProducer/InitPageConsumer for every
// page, then EndInitialization.
func Create(name string, info regionheader.LayoutInfo, localBytes uint32, role transport.Role, log diag.Logger) (*Handle, error) {
	const op = "pageexchange.Create"
	session := diag.NewSession(log, "pageexchange:"+role.String())
	h := &Handle{name: name, role: role, local: make([]byte, localBytes), log: session}

	normInfo, layout, err := regionheader.ComputeLayout(info)
	if err != nil {
		return h, h.setErr(err)
	}

	region, err := transport.CreateOrAttach(name, layout.FullSize, role, log)
	if err != nil {
		return h, h.setErr(err)
	}
	h.region = region
	h.mem = region.Bytes()
	h.needInitialize = region.Fresh

	if h.needInitialize {
		h.info = normInfo
		h.layout = layout
		regionheader.Encode(h.mem, name, normInfo, layout)
		for i := uint32(0); i < normInfo.NumPages; i++ {
			storePageState(h.mem, h.layout, i, 0)
		}
	} else {
		// The region already has a header; it is the source of truth,
		// not the caller-supplied info (spec §4.2 scenario 4).
		h.info = regionheader.Info(h.mem)
		h.layout = regionheader.GetLayout(h.mem)
		if h.layout.FullSize != uint32(len(h.mem)) {
			return h, h.setErr(ipcerr.Newf(op, ipcerr.LayoutError, "attached region size %d disagrees with header fullSize %d", len(h.mem), h.layout.FullSize))
		}
	}
	session.Printf("create name=%q needInitialize=%v numPages=%d", name, h.needInitialize, h.info.NumPages)
	return h, nil
}

// NeedInitialize reports whether this process created the region and is
// therefore responsible for running the initialization handshake.
func (h *Handle) NeedInitialize() bool { return h.needInitialize }

// IsInitialized reads the shared state, latching true permanently once
// observed (spec I4: the transition never reverses).
func (h *Handle) IsInitialized() bool {
	if h.initObserved {
		return true
	}
	if regionheader.State(h.mem) == regionheader.StateInitialized {
		h.initObserved = true
	}
	return h.initObserved
}

func (h *Handle) checkInitialized(op string) error {
	if !h.IsInitialized() {
		return h.setErr(ipcerr.New(op, ipcerr.NotInitialized, "region has not finished initialization"))
	}
	return nil
}

// EndInitialization publishes state = Initialized and notifies the peer.
// A no-op if this process is not the initializer, and a no-op on every
// call after the first (spec P6).
func (h *Handle) EndInitialization() error {
	const op = "pageexchange.EndInitialization"
	if !h.needInitialize {
		return nil
	}
	if h.IsInitialized() {
		return nil
	}
	regionheader.PublishInitialized(h.mem)
	h.initObserved = true
	if err := h.region.Notify(); err != nil {
		return h.setErr(ipcerr.Wrap(op, ipcerr.SysCallError, err, "notifying peer"))
	}
	h.log.Printf("endInitialization published")
	return nil
}

// Info returns the effective LayoutInfo, valid once IsInitialized (or,
// for the initializer, immediately: it wrote it).
func (h *Handle) Info() regionheader.LayoutInfo { return h.info }

// Header returns the application-defined opaque region header.
func (h *Handle) Header() []byte {
	start := h.layout.HeaderStart
	return h.mem[start : start+h.info.HeaderSize]
}

// Local returns this process's private scratch area. It is ordinary Go
// memory, not shared with the peer.
func (h *Handle) Local() []byte { return h.local }

func (h *Handle) pageBounds(op string, i uint32) (uint32, error) {
	if i >= h.info.NumPages {
		return 0, h.setErr(ipcerr.Newf(op, ipcerr.InvalidPage, "page %d >= numPages %d", i, h.info.NumPages))
	}
	return pageOffset(h.layout, i), nil
}

// PageHeader returns the application-defined per-page header of page i.
func (h *Handle) PageHeader(i uint32) ([]byte, error) {
	off, err := h.pageBounds("pageexchange.PageHeader", i)
	if err != nil {
		return nil, err
	}
	start := off + h.layout.AppPageHeaderOffset
	return h.mem[start : start+h.info.PageHeaderSize], nil
}

// PageData returns the pixel payload of page i.
func (h *Handle) PageData(i uint32) ([]byte, error) {
	off, err := h.pageBounds("pageexchange.PageData", i)
	if err != nil {
		return nil, err
	}
	start := off + h.layout.DataOffset
	return h.mem[start : start+h.info.PageSize], nil
}

// InitPageProducer assigns page i to the producer side, free (|state|=1),
// during initialization. Only valid for the creator, before
// EndInitialization.
func (h *Handle) InitPageProducer(i uint32) error { return h.initPage(i, 1) }

// InitPageConsumer is InitPageProducer's consumer-side counterpart.
func (h *Handle) InitPageConsumer(i uint32) error { return h.initPage(i, -1) }

func (h *Handle) initPage(i uint32, sign int32) error {
	const op = "pageexchange.initPage"
	if !h.needInitialize {
		return h.setErr(ipcerr.New(op, ipcerr.NotInitialized, "only the region's creator may assign initial page ownership"))
	}
	if i >= h.info.NumPages {
		return h.setErr(ipcerr.Newf(op, ipcerr.InvalidPage, "page %d >= numPages %d", i, h.info.NumPages))
	}
	storePageState(h.mem, h.layout, i, sign)
	return nil
}

func (h *Handle) isProducer() bool { return h.role == transport.RoleProducer }

// GetFreePage returns the first page p >= startIndex whose state is free
// and owned by this process, or -1 if none (or startIndex < 0).
func (h *Handle) GetFreePage(startIndex int32) int32 {
	const op = "pageexchange.GetFreePage"
	if err := h.checkInitialized(op); err != nil {
		return -1
	}
	if startIndex < 0 {
		h.setErr(ipcerr.New(op, ipcerr.ParameterError, "startIndex < 0"))
		return -1
	}
	for i := uint32(startIndex); i < h.info.NumPages; i++ {
		state := loadPageState(h.mem, h.layout, i)
		if isFreeState(state) && isOwnedByProducer(state) == h.isProducer() {
			return int32(i)
		}
	}
	return -1
}

// GetDataPage returns the first page owned by this process with
// |state| >= 2, or -1 if none.
func (h *Handle) GetDataPage(startIndex int32) int32 {
	const op = "pageexchange.GetDataPage"
	if err := h.checkInitialized(op); err != nil {
		return -1
	}
	if startIndex < 0 {
		h.setErr(ipcerr.New(op, ipcerr.ParameterError, "startIndex < 0"))
		return -1
	}
	for i := uint32(startIndex); i < h.info.NumPages; i++ {
		state := loadPageState(h.mem, h.layout, i)
		if isOwnedByProducer(state) != h.isProducer() {
			continue
		}
		if magnitude(state) >= 2 {
			return int32(i)
		}
	}
	return -1
}

// GetFirstPageN returns the first page owned by this process with
// |state| == n, or -1 if none.
func (h *Handle) GetFirstPageN(n uint32, startIndex int32) int32 {
	const op = "pageexchange.GetFirstPageN"
	if err := h.checkInitialized(op); err != nil {
		return -1
	}
	if startIndex < 0 {
		h.setErr(ipcerr.New(op, ipcerr.ParameterError, "startIndex < 0"))
		return -1
	}
	for i := uint32(startIndex); i < h.info.NumPages; i++ {
		state := loadPageState(h.mem, h.layout, i)
		if isOwnedByProducer(state) == h.isProducer() && uint32(magnitude(state)) == n {
			return int32(i)
		}
	}
	return -1
}

// NumOwnedPages counts the pages whose sign matches this process.
func (h *Handle) NumOwnedPages() uint32 {
	const op = "pageexchange.NumOwnedPages"
	if err := h.checkInitialized(op); err != nil {
		return 0
	}
	var n uint32
	for i := uint32(0); i < h.info.NumPages; i++ {
		if isOwnedByProducer(loadPageState(h.mem, h.layout, i)) == h.isProducer() {
			n++
		}
	}
	return n
}

// checkOwnedMutable validates a page index and ownership for any of the
// mutating operations below, which all share the same InvalidPage /
// NotOwned / NotInitialized failure modes (spec §4.2).
func (h *Handle) checkOwnedMutable(op string, i uint32) (int32, error) {
	if err := h.checkInitialized(op); err != nil {
		return 0, err
	}
	if i >= h.info.NumPages {
		return 0, h.setErr(ipcerr.Newf(op, ipcerr.InvalidPage, "page %d >= numPages %d", i, h.info.NumPages))
	}
	state := loadPageState(h.mem, h.layout, i)
	if isOwnedByProducer(state) != h.isProducer() {
		return 0, h.setErr(ipcerr.Newf(op, ipcerr.NotOwned, "page %d is not owned by this process", i))
	}
	return state, nil
}

// SetPageN sets page i, which must already be owned by this process, to
// |state| = n, preserving the ownership sign. A no-op if the page
// already has magnitude n (spec P6).
func (h *Handle) SetPageN(i uint32, n uint32) error {
	const op = "pageexchange.SetPageN"
	state, err := h.checkOwnedMutable(op, i)
	if err != nil {
		return err
	}
	if uint32(magnitude(state)) == n {
		return nil
	}
	newState := int32(n)
	if !h.isProducer() {
		newState = -newState
	}
	storePageState(h.mem, h.layout, i, newState)
	return nil
}

// FreePage is shorthand for SetPageN(i, 1).
func (h *Handle) FreePage(i uint32) error { return h.SetPageN(i, 1) }

// SendData transfers ownership of page i to the peer as data
// (|state|=2 from the peer's point of view), then notifies.
func (h *Handle) SendData(i uint32) error {
	const op = "pageexchange.SendData"
	if _, err := h.checkOwnedMutable(op, i); err != nil {
		return err
	}
	newState := int32(2)
	if h.isProducer() {
		newState = -2
	}
	storePageState(h.mem, h.layout, i, newState)
	if err := h.region.Notify(); err != nil {
		return h.setErr(ipcerr.Wrap(op, ipcerr.SysCallError, err, "notifying peer"))
	}
	return nil
}

// SendFree transfers ownership of page i to the peer as free
// (|state|=1 from the peer's point of view), then notifies.
func (h *Handle) SendFree(i uint32) error {
	const op = "pageexchange.SendFree"
	if _, err := h.checkOwnedMutable(op, i); err != nil {
		return err
	}
	newState := int32(1)
	if h.isProducer() {
		newState = -1
	}
	storePageState(h.mem, h.layout, i, newState)
	if err := h.region.Notify(); err != nil {
		return h.setErr(ipcerr.Wrap(op, ipcerr.SysCallError, err, "notifying peer"))
	}
	return nil
}

// Notify, WaitNotify and NotificationHandle pass straight through to the
// underlying transport.Region: the host application interacts only with
// this Handle, never with transport directly, so the wake primitives
// need to be reachable from here too (spec §4.1's notify/waitNotify
// surfaced one layer up, same as the original library's public header).
func (h *Handle) Notify() error { return h.region.Notify() }

func (h *Handle) WaitNotify(timeoutMs uint32) (bool, error) { return h.region.WaitNotify(timeoutMs) }

func (h *Handle) NotificationHandle() interface{} { return h.region.NotificationHandle() }

// Close detaches the underlying region. Safe to call on a Handle whose
// Create failed partway through (spec §9's error-reading-only handle
// contract): it reports the accurate outcome rather than always nil.
func (h *Handle) Close() error {
	if h.region == nil {
		return nil
	}
	return h.region.Detach()
}
