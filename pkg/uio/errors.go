/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package uio

import (
	"errors"
	"fmt"
)

// ErrorCode classifies every failure returned by this package.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeNotFound
	CodeMapFailed
	CodeNoSpace
	CodeBusy
	CodeCancelled
	CodeTimedOut
	CodeSystem
	CodeNoPool
	CodeClosed
	CodeInvalid
)

var codeNames = [...]string{
	CodeOK:        "ok",
	CodeNotFound:  "device not found",
	CodeMapFailed: "mapping failed",
	CodeNoSpace:   "no space",
	CodeBusy:      "busy",
	CodeCancelled: "cancelled",
	CodeTimedOut:  "timed out",
	CodeSystem:    "system error",
	CodeNoPool:    "no memory pool",
	CodeClosed:    "handle closed",
	CodeInvalid:   "invalid argument",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("code(%d)", int(c))
	}
	return codeNames[c]
}

// Error is the concrete error type of the package. Op names the public
// operation and Err keeps the underlying cause, usually a syscall errno.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := "uio"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	msg += ": " + e.Code.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can compare
// against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound  = &Error{Code: CodeNotFound}
	ErrMapFailed = &Error{Code: CodeMapFailed}
	ErrNoSpace   = &Error{Code: CodeNoSpace}
	ErrBusy      = &Error{Code: CodeBusy}
	ErrCancelled = &Error{Code: CodeCancelled}
	ErrTimedOut  = &Error{Code: CodeTimedOut}
	ErrSystem    = &Error{Code: CodeSystem}
	ErrNoPool    = &Error{Code: CodeNoPool}
	ErrClosed    = &Error{Code: CodeClosed}
	ErrInvalid   = &Error{Code: CodeInvalid}
)

func newError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Code extracts the ErrorCode of err, CodeOK for nil and CodeSystem for
// errors that did not originate here.
func Code(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystem
}
