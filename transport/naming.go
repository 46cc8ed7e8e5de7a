// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

package transport

import (
	"unicode/utf16"

	"github.com/hefsoftware/sharedimageipc/internal/ipcerr"
)

// NameMaxLength is the maximum length, in UTF-8 bytes, of a region name
// (spec §6).
const NameMaxLength = 64

// osNameMaxLength is the maximum length, in UTF-16 code units, of a
// derived OS object name (spec §6): "OS-name max derived length 100
// wide characters", matching the Windows CreateEvent/CreateFileMapping
// name limit the original C implementation targeted.
const osNameMaxLength = 100

// namePrefix is prepended to every derived OS object name, matching the
// "shd" prefix used by the original sharedMemCreateArch.
const namePrefix = "shd"

// Suffixes for the two wake objects and the mapping object. A and B are
// the two directions; which one is "incoming" vs "outgoing" is decided
// by Role, so that both participants agree on the pairing without
// needing to negotiate.
const (
	suffixEventA = "A"
	suffixEventB = "B"
	suffixRegion = "D"
)

// derivedNames holds the three OS object names computed from a region
// name.
type derivedNames struct {
	eventA string
	eventB string
	region string
}

func deriveNames(name string) (derivedNames, error) {
	const op = "transport.createOrAttach"
	if len(name) == 0 {
		return derivedNames{}, ipcerr.New(op, ipcerr.ParameterError, "name is empty")
	}
	if len(name) > NameMaxLength {
		return derivedNames{}, ipcerr.Newf(op, ipcerr.ParameterError, "name %q exceeds %d bytes", name, NameMaxLength)
	}
	d := derivedNames{
		eventA: namePrefix + name + suffixEventA,
		eventB: namePrefix + name + suffixEventB,
		region: namePrefix + name + suffixRegion,
	}
	for _, n := range []string{d.eventA, d.eventB, d.region} {
		if nchars := len(utf16.Encode([]rune(n))); nchars > osNameMaxLength {
			return derivedNames{}, ipcerr.Newf(op, ipcerr.ParameterError, "derived name %q exceeds %d wide characters", n, osNameMaxLength)
		}
	}
	return d, nil
}

// incoming/outgoing picks, from the two named events, which one this
// role waits on and which one it signals. Role Producer plays the part
// of the original "server"; Consumer plays "client". This must be the
// exact inverse of the peer's choice for the two directions to connect.
func (d derivedNames) incoming(role Role) string {
	if role == RoleProducer {
		return d.eventA
	}
	return d.eventB
}

func (d derivedNames) outgoing(role Role) string {
	if role == RoleProducer {
		return d.eventB
	}
	return d.eventA
}
