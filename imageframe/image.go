// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

// Package imageframe is a thin two-page producer/consumer frame channel
// built on top of pageexchange, per spec.md §4.3: a producer writes
// pixels into a page it owns and publishes it with a per-frame
// ImageSetting; a consumer always gets the most recently published
// frame, never blocking and never tearing a frame it is reading.
package imageframe

import (
	"encoding/binary"

	"github.com/hefsoftware/sharedimageipc/internal/diag"
	"github.com/hefsoftware/sharedimageipc/internal/regionheader"
	"github.com/hefsoftware/sharedimageipc/pageexchange"
	"github.com/hefsoftware/sharedimageipc/transport"
)

// Magic and Version identify the image-layer region header (spec §6).
const (
	Magic   uint32 = 0x41B0D34A
	Version uint32 = 0x100
)

const numPages = 2

// headerSize is sizeof{magic, version}; pageHeaderSize is sizeof(ImageSetting).
const (
	headerSize     = 8
	pageHeaderSize = 12
)

// ImageSetting describes the frame currently held in a page: its
// dimensions and row stride, independent of the page's raw pixel
// capacity (spec §4.3, §6).
type ImageSetting struct {
	Width        uint32
	Height       uint32
	BytesPerLine uint32
}

// Config are the sizing knobs a caller picks when creating an image
// channel. PixelCapacity bounds how large a frame a page can hold
// (ARGB32, 4 bytes/pixel, per spec §4.3); the alignments are forwarded
// to pageexchange's layout computation unchanged.
type Config struct {
	PixelCapacity   uint32
	HeaderAlign     uint32
	PageHeaderAlign uint32
	PageAlign       uint32
}

func (c Config) layoutInfo() regionheader.LayoutInfo {
	return regionheader.LayoutInfo{
		HeaderAlign:     c.HeaderAlign,
		HeaderSize:      headerSize,
		PageHeaderAlign: c.PageHeaderAlign,
		PageHeaderSize:  pageHeaderSize,
		PageAlign:       c.PageAlign,
		PageSize:        c.PixelCapacity * 4,
		NumPages:        numPages,
	}
}

// Handle is one process's attachment to a named image channel. Not safe
// for concurrent use from multiple goroutines (spec §5).
type Handle struct {
	pe       *pageexchange.Handle
	lastPage int32 // -1 if this process holds no page right now
	valid    bool  // the region's app header matched Magic/Version
}

// Create attaches name as an image channel, creating it fresh if this
// is the first attacher. Both initial pages are assigned to the
// producer so it can immediately pipeline two frames; the consumer
// starts owning none, which is correct since nothing has been produced
// yet. The returned Handle is always non-nil, even on error, so
// LastError() can still be read (spec §7, §9).
func Create(name string, cfg Config, role transport.Role, log diag.Logger) (*Handle, error) {
	pe, err := pageexchange.Create(name, cfg.layoutInfo(), 0, role, log)
	h := &Handle{pe: pe, lastPage: -1}
	if err != nil {
		return h, err
	}
	if pe.NeedInitialize() {
		header := pe.Header()
		binary.LittleEndian.PutUint32(header[0:], Magic)
		binary.LittleEndian.PutUint32(header[4:], Version)
		for i := uint32(0); i < numPages; i++ {
			if err := pe.InitPageProducer(i); err != nil {
				return h, err
			}
		}
		if err := pe.EndInitialization(); err != nil {
			return h, err
		}
		h.valid = true
	}
	return h, nil
}

// LastError returns the underlying page-exchange handle's last error
// message, or "" if none.
func (h *Handle) LastError() string { return h.pe.LastError() }

// checkInitialized mirrors sharedImageCheckInitialized: once the shared
// state is observed as Initialized it checks the app header, and latches
// the result only when it matches; a Magic/Version mismatch is checked
// again on every call (spec's initializedObserved latch, §3/§9).
func (h *Handle) checkInitialized() bool {
	if h.valid {
		return true
	}
	if !h.pe.IsInitialized() {
		return false
	}
	header := h.pe.Header()
	h.valid = binary.LittleEndian.Uint32(header[0:]) == Magic &&
		binary.LittleEndian.Uint32(header[4:]) == Version
	return h.valid
}

// OutBuffer requests the next free producer-owned page. On success it
// returns a writable pointer to the page's pixel capacity and the
// number of pixels available, and remembers the page as held until the
// next Send. It returns ok=false (not an error: spec §7's
// NoPageAvailable) if no free page is available right now.
func (h *Handle) OutBuffer() (data []byte, availablePixels uint32, ok bool) {
	if !h.checkInitialized() {
		return nil, 0, false
	}
	page := h.pe.GetFreePage(0)
	if page < 0 {
		return nil, 0, false
	}
	buf, err := h.pe.PageData(uint32(page))
	if err != nil {
		return nil, 0, false
	}
	h.lastPage = page
	return buf, h.pe.Info().PageSize / 4, true
}

// Send publishes the frame held in the page returned by the last
// OutBuffer call, writing setting into that page's header and
// transferring ownership to the peer. It fails if no page is currently
// held (no prior OutBuffer, or a page already sent since).
func (h *Handle) Send(setting ImageSetting) error {
	const op = "imageframe.Send"
	if h.lastPage < 0 {
		return pageexchange.New(op, pageexchange.ParameterError, "no page held: call OutBuffer first")
	}
	page := uint32(h.lastPage)
	header, err := h.pe.PageHeader(page)
	if err != nil {
		return err
	}
	putImageSetting(header, setting)
	if err := h.pe.SendData(page); err != nil {
		return err
	}
	h.lastPage = -1
	return nil
}

// Receive returns the most recently sent frame, if any, applying the
// "drop older frames" and "keep one free page flowing back to the
// producer" policies from spec §4.3. ok is false (NoPageAvailable) if
// no data page is currently available.
func (h *Handle) Receive() (data []byte, setting ImageSetting, ok bool) {
	if !h.checkInitialized() {
		return nil, ImageSetting{}, false
	}
	page := h.pe.GetFirstPageN(2, 0)
	if page < 0 {
		h.returnFreePage()
		return nil, ImageSetting{}, false
	}

	if h.lastPage >= 0 {
		h.pe.FreePage(uint32(h.lastPage))
		h.lastPage = -1
	}

	// Free every older data page, keeping only the most recently
	// allocated one as the current frame. OutBuffer always hands out
	// the lowest free index, so under a burst of unread sends the
	// highest surviving index is the newest frame.
	for {
		next := h.pe.GetFirstPageN(2, page+1)
		if next < 0 {
			break
		}
		h.pe.FreePage(uint32(page))
		page = next
	}
	h.lastPage = page

	buf, err := h.pe.PageData(uint32(page))
	if err != nil {
		return nil, ImageSetting{}, false
	}
	header, err := h.pe.PageHeader(uint32(page))
	if err != nil {
		return nil, ImageSetting{}, false
	}
	setting = getImageSetting(header)

	// Mark the page "held" (|state|=3) so it drops out of future data
	// scans; it is freed on the next Receive, bounding exposure to one
	// page at a time.
	h.pe.SetPageN(uint32(page), 3)

	h.returnFreePage()
	return buf, setting, true
}

// returnFreePage hands one spare free page back to the producer so it
// always has somewhere to write, matching sharedImageReceive's
// "num owned > 1 -> SendFree one back" step.
func (h *Handle) returnFreePage() {
	if h.pe.NumOwnedPages() <= 1 {
		return
	}
	if p := h.pe.GetFreePage(0); p >= 0 {
		h.pe.SendFree(uint32(p))
	}
}

// Notify, WaitNotify and NotificationHandle pass straight through to
// pageexchange, for callers that want to integrate with an external
// event loop or block waiting for the peer (spec §4.1 surfaced at the
// image layer, matching the original library's public header).
func (h *Handle) Notify() error { return h.pe.Notify() }

func (h *Handle) WaitNotify(timeoutMs uint32) (bool, error) { return h.pe.WaitNotify(timeoutMs) }

func (h *Handle) NotificationHandle() interface{} { return h.pe.NotificationHandle() }

// Close detaches the underlying region.
func (h *Handle) Close() error { return h.pe.Close() }

func putImageSetting(b []byte, s ImageSetting) {
	binary.LittleEndian.PutUint32(b[0:], s.Width)
	binary.LittleEndian.PutUint32(b[4:], s.Height)
	binary.LittleEndian.PutUint32(b[8:], s.BytesPerLine)
}

func getImageSetting(b []byte) ImageSetting {
	return ImageSetting{
		Width:        binary.LittleEndian.Uint32(b[0:]),
		Height:       binary.LittleEndian.Uint32(b[4:]),
		BytesPerLine: binary.LittleEndian.Uint32(b[8:]),
	}
}
