// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

// Package fingerprint computes a diagnostic identity tag for a named
// region. It is not part of the wire-level header table in spec.md §6;
// it rides in the reserved tail of the internal header purely to catch
// a stale/aliased region faster than an ownership-protocol deadlock
// would.
package fingerprint

import "github.com/dchest/siphash"

// two arbitrary, fixed keys: this is a collision check, not a MAC, so
// there is no secrecy requirement on k0/k1.
const k0, k1 = 0x14bfa396_5a1e0f2c, 0x41b0d34a_6f430100

// Of returns a 64-bit fingerprint of name, stable across processes and
// platforms (siphash.Hash is defined over raw bytes, not pointer
// identity).
func Of(name string) uint64 {
	return siphash.Hash(k0, k1, []byte(name))
}
