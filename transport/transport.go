// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

// Package transport implements the host-OS abstraction described in
// spec.md §4.1: a named shared byte region plus two named, auto-reset
// wake primitives, one per direction. It is the only layer in this
// module that touches raw OS objects; pageexchange builds the
// ownership protocol entirely on top of the []byte this package hands
// back.
package transport

import (
	"github.com/hefsoftware/sharedimageipc/internal/diag"
	"github.com/hefsoftware/sharedimageipc/internal/fingerprint"
	"github.com/hefsoftware/sharedimageipc/internal/ipcerr"
	"github.com/hefsoftware/sharedimageipc/internal/regionheader"
)

// Role picks which of the two named wake objects is "incoming" versus
// "outgoing" for a participant. The two attachers to the same name must
// pick opposite roles.
type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
)

func (r Role) String() string {
	if r == RoleProducer {
		return "producer"
	}
	return "consumer"
}

// wakePair is implemented once per GOOS (transport_unix.go,
// transport_windows.go).
type wakePair interface {
	notify() error
	waitNotify(timeoutMs uint32) (bool, error)
	notificationHandle() interface{}
	close() error
}

// mappedRegion is implemented once per GOOS.
type mappedRegion interface {
	bytes() []byte
	remap(newSize uint32) error
	close() error
}

// Region is a live attachment to a named shared region plus its pair of
// wake objects. All methods are safe to call from exactly one goroutine
// at a time per Region (see spec §5: a handle is not safe for
// concurrent use).
type Region struct {
	Name string
	Role Role
	// Fresh is true if this process created the region; false if it
	// attached to one that already existed.
	Fresh bool

	mem  mappedRegion
	wake wakePair
	log  *diag.Session
}

// Bytes returns the current mapped view of the region. The slice
// becomes invalid after any call that remaps (only CreateOrAttach's
// internal two-phase attach does this, before returning) or Detach.
func (r *Region) Bytes() []byte {
	return r.mem.bytes()
}

// CreateOrAttach opens or creates the named region and its two wake
// objects, per spec §4.1. requestedBytes is used verbatim if this
// process creates the region; if the region already exists, the true
// size is read from its header and the region is transparently
// re-attached at that size.
func CreateOrAttach(name string, requestedBytes uint32, role Role, log diag.Logger) (*Region, error) {
	const op = "transport.CreateOrAttach"
	session := diag.NewSession(log, "transport:"+role.String())
	if requestedBytes < regionheader.InternalHeaderSize {
		return nil, ipcerr.Newf(op, ipcerr.ParameterError, "requestedBytes %d smaller than header size %d", requestedBytes, regionheader.InternalHeaderSize)
	}
	names, err := deriveNames(name)
	if err != nil {
		return nil, err
	}
	mem, fresh, err := createOrAttachRegion(names.region, requestedBytes)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if err := reconcileSize(mem, name); err != nil {
			mem.close()
			return nil, err
		}
	}
	wake, err := createWakePair(names, role)
	if err != nil {
		mem.close()
		return nil, err
	}
	session.Printf("attached to %q fresh=%v size=%d", name, fresh, len(mem.bytes()))
	return &Region{Name: name, Role: role, Fresh: fresh, mem: mem, wake: wake, log: session}, nil
}

// reconcileSize implements the two-phase attach described in spec
// §4.1/§4.2: if the just-mapped bytes already carry a valid header, its
// layout.fullSize is authoritative; if that disagrees with what we
// mapped, remap at the correct size. It also cross-checks the stored
// diagnostic fingerprint against the logical name this process asked
// for, catching the case where two unrelated regions happened to
// collide on a derived OS name (not possible with the current "shd"
// prefix scheme, but cheap to check and a guard against a future
// derivation change).
func reconcileSize(mem mappedRegion, name string) error {
	const op = "transport.CreateOrAttach"
	buf := mem.bytes()
	if len(buf) < int(regionheader.InternalHeaderSize) {
		return ipcerr.New(op, ipcerr.CorruptedHeader, "existing region smaller than internal header")
	}
	magic, version, fullSize, err := regionheader.PeekHeader(buf)
	if err != nil {
		return ipcerr.Wrap(op, ipcerr.CorruptedHeader, err, "reading existing region header")
	}
	if magic != regionheader.Magic || version != regionheader.Version {
		return ipcerr.Newf(op, ipcerr.CorruptedHeader, "incompatible header (magic=%#x version=%#x)", magic, version)
	}
	if want := fingerprint.Of(name); regionheader.Fingerprint(buf) != want {
		return ipcerr.New(op, ipcerr.CorruptedHeader, "region fingerprint does not match name")
	}
	if fullSize != uint32(len(buf)) {
		if err := mem.remap(fullSize); err != nil {
			return ipcerr.Wrap(op, ipcerr.SysCallError, err, "remapping region to true size")
		}
	}
	return nil
}

// Notify signals the outgoing wake object. It is non-blocking and
// idempotent: a pending, un-consumed wake coalesces with a new one.
func (r *Region) Notify() error {
	return r.wake.notify()
}

// WaitNotify blocks up to timeoutMs for a notification from the peer.
// It returns true if woken by a notification, false on timeout. Callers
// must re-check shared state after a true return (and, for robustness,
// even after a spurious wake) — see spec §5.
func (r *Region) WaitNotify(timeoutMs uint32) (bool, error) {
	return r.wake.waitNotify(timeoutMs)
}

// NotificationHandle exposes the raw incoming wake object so an
// external event loop can integrate it, per spec §4.1. The concrete
// type is platform-specific (e.g. *os.File on unix, windows.Handle on
// Windows).
func (r *Region) NotificationHandle() interface{} {
	return r.wake.notificationHandle()
}

// Detach releases the mapping and wake objects. It is safe to call on a
// partially constructed Region (spec §9's "error-reading-only" handle
// contract): Detach never panics, and reports the accurate outcome of
// unmapping rather than unconditionally succeeding.
func (r *Region) Detach() error {
	if r == nil {
		return nil
	}
	var err error
	if r.wake != nil {
		if e := r.wake.close(); e != nil && err == nil {
			err = e
		}
	}
	if r.mem != nil {
		if e := r.mem.close(); e != nil && err == nil {
			err = e
		}
	}
	if err != nil {
		return ipcerr.Wrap("transport.Detach", ipcerr.SysCallError, err, "detaching region "+r.Name)
	}
	return nil
}
