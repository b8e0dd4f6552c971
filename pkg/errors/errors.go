// Unified error handling for the MBE recipe host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Column/action schema errors
	ErrSchema ErrorCode = "SCHEMA"

	// Property value rule violations
	ErrValidation ErrorCode = "VALIDATION"

	// Loop structure errors
	ErrLoopDepth       ErrorCode = "LOOP_DEPTH"
	ErrLoopUnmatchedFor ErrorCode = "LOOP_UNMATCHED_FOR"
	ErrLoopUnmatchedEnd ErrorCode = "LOOP_UNMATCHED_END"

	// Link level errors
	ErrTransportIO    ErrorCode = "TRANSPORT_IO"
	ErrTransportChunk ErrorCode = "TRANSPORT_CHUNK"

	// Device answered, but not the way we expect
	ErrProtocolHandshake ErrorCode = "PROTOCOL_HANDSHAKE"
	ErrProtocolRowCount  ErrorCode = "PROTOCOL_ROW_COUNT"
	ErrProtocolException ErrorCode = "PROTOCOL_EXCEPTION"
	ErrProtocolCapacity  ErrorCode = "PROTOCOL_CAPACITY"
)

// ErrorClass groups codes by how callers must react to them.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassStructural is fatal for the current analysis and never retried.
	ClassStructural
	// ClassValidation blocks the operation that produced it.
	ClassValidation
	// ClassTransport is retried a bounded number of times.
	ClassTransport
	// ClassProtocol forces a reconnect before anything is retried.
	ClassProtocol
	// ClassConfig covers configuration and schema problems.
	ClassConfig
)

func (c ErrorClass) String() string {
	switch c {
	case ClassStructural:
		return "structural"
	case ClassValidation:
		return "validation"
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Class returns the class of an error code.
func (c ErrorCode) Class() ErrorClass {
	switch c {
	case ErrLoopDepth, ErrLoopUnmatchedFor, ErrLoopUnmatchedEnd:
		return ClassStructural
	case ErrValidation:
		return ClassValidation
	case ErrTransportIO, ErrTransportChunk:
		return ClassTransport
	case ErrProtocolHandshake, ErrProtocolRowCount, ErrProtocolException, ErrProtocolCapacity:
		return ClassProtocol
	case ErrConfigSection, ErrConfigOption, ErrConfigValidation, ErrConfigType, ErrSchema:
		return ClassConfig
	default:
		return ClassUnknown
	}
}

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides localisation data (step index, address range, ...)
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(e.Code))
	if e.Section != "" {
		sb.WriteString(":")
		sb.WriteString(e.Section)
	}
	if e.Option != "" {
		sb.WriteString(":")
		sb.WriteString(e.Option)
	}
	sb.WriteString("] ")
	sb.WriteString(e.Message)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ContextInt returns an integer context value.
func (e *HostError) ContextInt(key string) (int, bool) {
	v, ok := e.Context[key]
	if !ok {
		return 0, false
	}
	i, ok := v.(int)
	return i, ok
}

// ContextString formats the context as "k=v" pairs in key order.
func (e *HostError) ContextString() string {
	if len(e.Context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
	}
	return strings.Join(parts, " ")
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// SchemaError creates an error for an inconsistent column/action schema
func SchemaError(format string, args ...interface{}) *HostError {
	return New(ErrSchema, fmt.Sprintf(format, args...))
}

// Recipe errors

// ValidationError creates an error for a property value that breaks its rule
func ValidationError(column string, reason string) *HostError {
	return New(ErrValidation, fmt.Sprintf("column '%s': %s", column, reason)).
		SetOption(column)
}

// LoopDepthError reports a For step that would exceed the nesting limit
func LoopDepthError(index, maxDepth int) *HostError {
	return New(ErrLoopDepth, fmt.Sprintf("step %d: loop nesting exceeds maximum depth of %d", index, maxDepth)).
		SetContext("index", index)
}

// UnmatchedForError reports a For step without a closing EndFor
func UnmatchedForError(index int) *HostError {
	return New(ErrLoopUnmatchedFor, fmt.Sprintf("step %d: loop start has no matching end", index)).
		SetContext("index", index)
}

// UnmatchedEndForError reports an EndFor step without an open loop
func UnmatchedEndForError(index int) *HostError {
	return New(ErrLoopUnmatchedEnd, fmt.Sprintf("step %d: loop end has no matching start", index)).
		SetContext("index", index)
}

// Link errors

// ChunkError tags a failed register request with its address range
func ChunkError(op string, start, count int, err error) *HostError {
	return Wrap(err, ErrTransportChunk, fmt.Sprintf("%s registers %d..%d failed", op, start, start+count-1)).
		SetContext("start", start).
		SetContext("count", count)
}

// HandshakeError reports a control register that does not hold the magic number
func HandshakeError(register int, got, want uint16) *HostError {
	return New(ErrProtocolHandshake, fmt.Sprintf("control register %d holds %d, expected magic number %d", register, got, want)).
		SetContext("register", register)
}

// RowCountError reports a row count register outside the recipe area capacity
func RowCountError(register int, rows, maxRows int) *HostError {
	return New(ErrProtocolRowCount, fmt.Sprintf("row count register %d holds %d, capacity is %d", register, rows, maxRows)).
		SetContext("register", register).
		SetContext("rows", rows)
}

// Is checks if err or anything it wraps carries the given error code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost HostError in the chain
func CodeOf(err error) (ErrorCode, bool) {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code, true
	}
	return "", false
}

// ClassOf returns the class of the outermost HostError in the chain
func ClassOf(err error) ErrorClass {
	code, ok := CodeOf(err)
	if !ok {
		return ClassUnknown
	}
	return code.Class()
}

// IsStructural checks if error is a loop structure error
func IsStructural(err error) bool {
	return ClassOf(err) == ClassStructural
}

// IsConfig checks if error is a config or schema error
func IsConfig(err error) bool {
	return ClassOf(err) == ClassConfig
}
