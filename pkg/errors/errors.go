// Unified error handling for the haptics bridge
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

	// Device channel errors
	ErrDeviceNotFound   ErrorCode = "DEVICE_NOT_FOUND"
	ErrDeviceOpen       ErrorCode = "DEVICE_OPEN_FAILED"
	ErrDeviceClose      ErrorCode = "DEVICE_CLOSE_FAILED"
	ErrDeviceWrite      ErrorCode = "DEVICE_WRITE_FAILED"
	ErrDiscovery        ErrorCode = "DISCOVERY_FAILED"
	ErrProtocolEncode   ErrorCode = "PROTOCOL_ENCODE"
	ErrProtocolChecksum ErrorCode = "PROTOCOL_CHECKSUM"
	ErrFrameInvalid     ErrorCode = "FRAME_INVALID"
	ErrCaptureSource    ErrorCode = "CAPTURE_SOURCE"
	ErrRuntime          ErrorCode = "RUNTIME"
	ErrRuntimeInit      ErrorCode = "RUNTIME_INIT"
	ErrTelemetryPublish ErrorCode = "TELEMETRY_PUBLISH"
)

// HostError is the error type shared by the bridge packages
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component (module or device name)
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional key/value detail for logs
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
		if e.Option != "" {
			sb.WriteString(".")
			sb.WriteString(e.Option)
		}
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

// Fields returns the error as log fields.
func (e *HostError) Fields() map[string]interface{} {
	out := map[string]interface{}{"code": string(e.Code)}
	if e.Section != "" {
		out["section"] = e.Section
	}
	if e.Option != "" {
		out["option"] = e.Option
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = e.Context[k]
	}
	return out
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigValidationError creates an error for a config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, reason).
		SetSection(section).
		SetOption(option)
}

// DeviceError creates a device channel error for the named device
func DeviceError(code ErrorCode, device, channel string, err error) *HostError {
	msg := "channel " + channel
	if channel == "" {
		msg = "no channel"
	}
	return Wrap(err, code, msg).SetSection(device).SetContext("channel", channel)
}

// FromPanic converts a recovered panic value into a HostError. Call it with
// the result of recover() inside a deferred function.
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return New(ErrRuntime, fmt.Sprintf("panic: %v", x))
	}
}

// Is reports whether any error in err's chain is a HostError with the given code
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

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsDevice checks if error is a device channel error
func IsDevice(err error) bool {
	return Is(err, ErrDeviceNotFound) ||
		Is(err, ErrDeviceOpen) ||
		Is(err, ErrDeviceClose) ||
		Is(err, ErrDeviceWrite) ||
		Is(err, ErrDiscovery)
}
