// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package errs defines the error kinds the aggregation core can raise.
//
// Nothing here is ever recovered locally: every error unwinds Next(),
// triggers the caller's teardown, and surfaces unchanged.
package errs

import "fmt"

// ConfigError reports an init-time configuration problem: an unsupported
// flag combination, a missing serialize/deserialize function for an
// INTERNAL transition type in partial-aggregation mode, a strict combine
// function declared on an INTERNAL transtype, or an incompatible
// input/transition type for a strict transfn with a null initial value.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aggregate config error: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("aggregate config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError.
func NewConfigError(reason string) *ConfigError { return &ConfigError{Reason: reason} }

// PermissionError reports that the caller lacks EXECUTE on the
// aggregate, or the aggregate's owner lacks EXECUTE on one of its
// component functions.
type PermissionError struct {
	Subject string // aggregate or function identity
	Action  string // what was being attempted
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s: %s", e.Action, e.Subject)
}

// RuntimeError wraps a failure raised by a user-supplied transition,
// final, serialize, or deserialize function. No retry is attempted at
// this layer.
type RuntimeError struct {
	Phase string // "transfn", "finalfn", "serialfn", "deserialfn", "combinefn"
	Err   error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("aggregate %s failed: %s", e.Phase, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// IOErrorCode enumerates the file-access failure modes a spill tape can
// raise, mirroring PostgreSQL's errcode_for_file_access granularity.
type IOErrorCode int

const (
	IORead IOErrorCode = iota
	IOWrite
	IOSeek
	IOClose
	IOShortRead
)

func (c IOErrorCode) String() string {
	switch c {
	case IORead:
		return "read"
	case IOWrite:
		return "write"
	case IOSeek:
		return "seek"
	case IOClose:
		return "close"
	case IOShortRead:
		return "short read"
	default:
		return "io"
	}
}

// IOError reports a failure reading or writing a spill tape: a short
// read of a hash, length, or payload field, or an underlying OS error.
type IOError struct {
	Code IOErrorCode
	Tape int
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("spill tape %d: %s: %s", e.Tape, e.Code, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// InterruptError reports cooperative cancellation: the caller's
// context.Context was canceled while the node was mid-iteration. No
// partial row is ever emitted when this fires.
type InterruptError struct {
	Err error
}

func (e *InterruptError) Error() string { return fmt.Sprintf("interrupted: %s", e.Err) }
func (e *InterruptError) Unwrap() error { return e.Err }
