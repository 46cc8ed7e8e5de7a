// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

//go:build unix

package transport

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hefsoftware/sharedimageipc/internal/ipcerr"
)

// regionDir picks the directory backing named regions: tmpfs-backed
// /dev/shm when available (same technique tenant/dcache uses for its
// cache files, just pointed at tmpfs instead of a persistent disk
// cache), falling back to the ordinary temp directory.
func regionDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

type unixRegion struct {
	f   *os.File
	mem []byte
}

func (u *unixRegion) bytes() []byte { return u.mem }

func (u *unixRegion) remap(newSize uint32) error {
	if u.mem != nil {
		if err := unix.Munmap(u.mem); err != nil {
			return err
		}
		u.mem = nil
	}
	mem, err := unix.Mmap(int(u.f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	u.mem = mem
	return nil
}

func (u *unixRegion) close() error {
	var err error
	if u.mem != nil {
		if e := unix.Munmap(u.mem); e != nil {
			err = e
		}
		u.mem = nil
	}
	if u.f != nil {
		if e := u.f.Close(); e != nil && err == nil {
			err = e
		}
		u.f = nil
	}
	return err
}

func createOrAttachRegion(regionName string, requestedBytes uint32) (mappedRegion, bool, error) {
	const op = "transport.CreateOrAttach"
	path := filepath.Join(regionDir(), regionName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	fresh := true
	if err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, ipcerr.Wrap(op, ipcerr.SysCallError, err, "creating region file "+path)
		}
		fresh = false
		f, err = os.OpenFile(path, os.O_RDWR, 0600)
		if err != nil {
			return nil, false, ipcerr.Wrap(op, ipcerr.SysCallError, err, "opening existing region file "+path)
		}
	}
	mapSize := requestedBytes
	if fresh {
		if err := f.Truncate(int64(requestedBytes)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, false, ipcerr.Wrap(op, ipcerr.SysCallError, err, "truncating region file "+path)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, false, ipcerr.Wrap(op, ipcerr.SysCallError, err, "stat-ing region file "+path)
		}
		if uint32(fi.Size()) < mapSize {
			mapSize = uint32(fi.Size())
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		if fresh {
			os.Remove(path)
		}
		return nil, false, ipcerr.Wrap(op, ipcerr.SysCallError, err, "mmap-ing region file "+path)
	}
	return &unixRegion{f: f, mem: mem}, fresh, nil
}

// unixWake implements one direction's worth of auto-reset, edge
// triggered, coalescing wake signal as a named FIFO. The FIFO is opened
// O_RDWR on the reading side so that a reader is always present: this
// is the standard Linux trick for sidestepping the "writer blocks/fails
// until a reader opens" chicken-and-egg problem that a plain O_RDONLY
// open would hit when the peer hasn't started yet.
type unixWake struct {
	inPath, outPath string
	in              *os.File
	out             *os.File
}

func fifoPath(name string) string {
	return filepath.Join(regionDir(), name)
}

func ensureFifo(path string) error {
	err := unix.Mkfifo(path, 0600)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	return nil
}

func createWakePair(names derivedNames, role Role) (wakePair, error) {
	const op = "transport.CreateOrAttach"
	inPath := fifoPath(names.incoming(role))
	outPath := fifoPath(names.outgoing(role))
	if err := ensureFifo(inPath); err != nil {
		return nil, ipcerr.Wrap(op, ipcerr.SysCallError, err, "creating fifo "+inPath)
	}
	if err := ensureFifo(outPath); err != nil {
		return nil, ipcerr.Wrap(op, ipcerr.SysCallError, err, "creating fifo "+outPath)
	}
	in, err := os.OpenFile(inPath, os.O_RDWR, 0600)
	if err != nil {
		return nil, ipcerr.Wrap(op, ipcerr.SysCallError, err, "opening incoming fifo "+inPath)
	}
	return &unixWake{inPath: inPath, outPath: outPath, in: in}, nil
}

func (w *unixWake) ensureOut() error {
	if w.out != nil {
		return nil
	}
	out, err := os.OpenFile(w.outPath, os.O_WRONLY|unix.O_NONBLOCK, 0600)
	if err != nil {
		// ENXIO means the peer hasn't opened its read side yet; that is
		// expected when the peer hasn't attached yet and is not fatal —
		// notifications are hints the peer may miss entirely (spec §5).
		return err
	}
	w.out = out
	return nil
}

func (w *unixWake) notify() error {
	if err := w.ensureOut(); err != nil {
		return nil
	}
	_, err := w.out.Write([]byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EPIPE) {
		// the peer may have gone away mid-write; that is a liveness
		// fault, not something this call should surface as an error
		// (spec §5: "no recovery of stranded pages", no liveness
		// diagnostics).
		w.out.Close()
		w.out = nil
	}
	return nil
}

// drain consumes any bytes already queued without blocking, returning
// whether at least one byte was read. in is opened without O_NONBLOCK,
// so "without blocking" is implemented the same way the blocking wait
// below implements its timeout: an already-past read deadline forces
// Read to return immediately if nothing is queued yet.
func (w *unixWake) drain() bool {
	if err := w.in.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer w.in.SetReadDeadline(time.Time{})
	var buf [64]byte
	any := false
	for {
		n, err := w.in.Read(buf[:])
		if n > 0 {
			any = true
		}
		if err != nil {
			break
		}
		if n < len(buf) {
			break
		}
	}
	return any
}

func (w *unixWake) waitNotify(timeoutMs uint32) (bool, error) {
	if w.drain() {
		return true, nil
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	if err := w.in.SetReadDeadline(deadline); err != nil {
		return false, ipcerr.Wrap("transport.WaitNotify", ipcerr.SysCallError, err, "setting read deadline")
	}
	defer w.in.SetReadDeadline(time.Time{})
	var one [1]byte
	_, err := w.in.Read(one[:])
	if err != nil {
		if os.IsTimeout(err) {
			return false, nil
		}
		return false, ipcerr.Wrap("transport.WaitNotify", ipcerr.SysCallError, err, "reading wake fifo")
	}
	w.drain()
	return true, nil
}

func (w *unixWake) notificationHandle() interface{} {
	return w.in
}

func (w *unixWake) close() error {
	var err error
	if w.in != nil {
		if e := w.in.Close(); e != nil {
			err = e
		}
		w.in = nil
	}
	if w.out != nil {
		if e := w.out.Close(); e != nil && err == nil {
			err = e
		}
		w.out = nil
	}
	return err
}
