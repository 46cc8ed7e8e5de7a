// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

//go:build windows

package transport

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/hefsoftware/sharedimageipc/internal/ipcerr"
)

// windowsRegion wraps a named file mapping backed by the system paging
// file, exactly as the original sharedMemCreateArch did with
// CreateFileMapping(INVALID_HANDLE_VALUE, ...).
type windowsRegion struct {
	handle windows.Handle
	addr   uintptr
	mem    []byte
}

func (r *windowsRegion) bytes() []byte { return r.mem }

func (r *windowsRegion) unmapView() {
	if r.addr != 0 {
		windows.UnmapViewOfFile(r.addr)
		r.addr = 0
		r.mem = nil
	}
}

func (r *windowsRegion) remap(newSize uint32) error {
	r.unmapView()
	addr, err := windows.MapViewOfFile(r.handle, windows.FILE_MAP_ALL_ACCESS, 0, 0, uintptr(newSize))
	if err != nil {
		return err
	}
	r.addr = addr
	r.mem = unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(newSize))
	return nil
}

func (r *windowsRegion) close() error {
	r.unmapView()
	if r.handle != 0 {
		err := windows.CloseHandle(r.handle)
		r.handle = 0
		return err
	}
	return nil
}

func utf16PtrOrErr(s string) (*uint16, error) {
	return windows.UTF16PtrFromString(s)
}

func createOrAttachRegion(regionName string, requestedBytes uint32) (mappedRegion, bool, error) {
	const op = "transport.CreateOrAttach"
	name, err := utf16PtrOrErr(regionName)
	if err != nil {
		return nil, false, ipcerr.Wrap(op, ipcerr.ParameterError, err, "encoding region name")
	}
	handle, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, requestedBytes, name)
	if handle == 0 {
		return nil, false, ipcerr.Wrap(op, ipcerr.SysCallError, err, "CreateFileMapping")
	}
	// CreateFileMapping returns a valid handle even when the mapping
	// already existed; err then carries ERROR_ALREADY_EXISTS rather
	// than a real failure, matching GetLastError() in the original C
	// sharedMemCreateArch.
	fresh := err != windows.ERROR_ALREADY_EXISTS
	mapSize := requestedBytes
	r := &windowsRegion{handle: handle}
	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_ALL_ACCESS, 0, 0, uintptr(mapSize))
	if err != nil {
		windows.CloseHandle(handle)
		return nil, false, ipcerr.Wrap(op, ipcerr.SysCallError, err, "MapViewOfFile")
	}
	r.addr = addr
	r.mem = unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(mapSize))
	return r, fresh, nil
}

// windowsWake implements one direction's worth of auto-reset wake
// signal as a named, auto-reset Win32 event, matching the original
// sharedmemwin.c CreateEvent(..., bManualReset=FALSE, ...) exactly.
type windowsWake struct {
	in, out windows.Handle
}

func openOrCreateEvent(name string) (windows.Handle, error) {
	n, err := utf16PtrOrErr(name)
	if err != nil {
		return 0, err
	}
	// bManualReset=false (auto-reset), bInitialState=false.
	return windows.CreateEvent(nil, 0, 0, n)
}

func createWakePair(names derivedNames, role Role) (wakePair, error) {
	const op = "transport.CreateOrAttach"
	in, err := openOrCreateEvent(names.incoming(role))
	if err != nil {
		return nil, ipcerr.Wrap(op, ipcerr.SysCallError, err, "creating incoming event")
	}
	out, err := openOrCreateEvent(names.outgoing(role))
	if err != nil {
		windows.CloseHandle(in)
		return nil, ipcerr.Wrap(op, ipcerr.SysCallError, err, "creating outgoing event")
	}
	return &windowsWake{in: in, out: out}, nil
}

func (w *windowsWake) notify() error {
	return windows.SetEvent(w.out)
}

func (w *windowsWake) waitNotify(timeoutMs uint32) (bool, error) {
	ret, err := windows.WaitForSingleObject(w.in, timeoutMs)
	if err != nil {
		return false, ipcerr.Wrap("transport.WaitNotify", ipcerr.SysCallError, err, "WaitForSingleObject")
	}
	switch ret {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, ipcerr.Newf("transport.WaitNotify", ipcerr.SysCallError, "unexpected wait result %d", ret)
	}
}

func (w *windowsWake) notificationHandle() interface{} {
	return w.in
}

func (w *windowsWake) close() error {
	var err error
	if w.in != 0 {
		if e := windows.CloseHandle(w.in); e != nil {
			err = e
		}
		w.in = 0
	}
	if w.out != 0 {
		if e := windows.CloseHandle(w.out); e != nil && err == nil {
			err = e
		}
		w.out = 0
	}
	return err
}
