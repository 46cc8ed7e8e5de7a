// This file is part of SharedImageIPC.
//
// (c) Marzocchi Alessandro
//
// For the full copyright and license information, please view the LICENSE
// file that was distributed with this source code.

// Package diag provides the process-local, best-effort logging used by
// the transport, pageexchange and imageframe packages. Nothing in this
// package is shared across processes: every attach gets its own
// correlation id purely to make interleaved producer/consumer log lines
// distinguishable when both happen to share a console or test log.
package diag

import (
	"fmt"

	"github.com/google/uuid"
)

// Logger is the interface callers may supply to observe diagnostic
// messages. A nil Logger is valid and silences all output.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Session tags every log line with a short id so that a reader staring
// at interleaved producer/consumer output (typical in tests, where both
// roles log to the same *testing.T) can tell which side wrote which
// line without threading role information through every call site.
type Session struct {
	log Logger
	tag string
}

// NewSession returns a Session that prefixes every message with role
// and a short correlation id. log may be nil.
func NewSession(log Logger, role string) *Session {
	id := uuid.New()
	return &Session{log: log, tag: fmt.Sprintf("%s[%s]", role, id.String()[:8])}
}

// Printf logs a message if a Logger was supplied, otherwise it is a
// no-op; never allocates the formatted string when log is nil.
func (s *Session) Printf(format string, args ...interface{}) {
	if s == nil || s.log == nil {
		return
	}
	s.log.Printf(s.tag+" "+format, args...)
}

// Tag returns the correlation tag for this session, useful for
// embedding in returned error messages.
func (s *Session) Tag() string {
	if s == nil {
		return ""
	}
	return s.tag
}
