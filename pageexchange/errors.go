// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

package pageexchange

import "github.com/hefsoftware/sharedimageipc/internal/ipcerr"

// Kind and Error are re-exported from ipcerr so callers of this package
// never need to import internal/ipcerr directly.
type Kind = ipcerr.Kind
type Error = ipcerr.Error

const (
	ParameterError  = ipcerr.ParameterError
	LayoutError     = ipcerr.LayoutError
	SysCallError    = ipcerr.SysCallError
	CorruptedHeader = ipcerr.CorruptedHeader
	NotInitialized  = ipcerr.NotInitialized
	InvalidPage     = ipcerr.InvalidPage
	NotOwned        = ipcerr.NotOwned
)

// New, Newf and Wrap are re-exported so imageframe (and other callers
// built on this package) can raise errors from the same taxonomy
// without importing internal/ipcerr directly.
var (
	New  = ipcerr.New
	Newf = ipcerr.Newf
	Wrap = ipcerr.Wrap
)
