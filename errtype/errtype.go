// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errtype exposes the error variants a caller of this module may
// need to check for specifically, along with helpers for the rest of the
// module to construct them.
package errtype

import "fmt"

// ConfigError is used to indicate there was a problem with the provided
// configuration (e.g. a malformed instance connection name or an
// unsatisfiable IP type preference).
type ConfigError struct {
	msg      string
	instance string
}

// NewConfigError initializes a ConfigError.
func NewConfigError(msg, instance string) *ConfigError {
	return &ConfigError{msg: msg, instance: instance}
}

// Error returns a human-readable message for the ConfigError.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("[%s] %s", e.instance, e.msg)
}

// AlreadyInitializedError indicates an attempt to mutate process-wide state
// (such as the application name appended to the Admin API User-Agent) after
// that state has already been read by an initialized Dialer.
type AlreadyInitializedError struct {
	msg string
}

// NewAlreadyInitializedError initializes an AlreadyInitializedError.
func NewAlreadyInitializedError(msg string) *AlreadyInitializedError {
	return &AlreadyInitializedError{msg: msg}
}

// Error returns a human-readable message for the AlreadyInitializedError.
func (e *AlreadyInitializedError) Error() string {
	return e.msg
}

// AdminAPIError indicates a problem reaching or interpreting a response from
// the Cloud SQL Admin API while fetching instance metadata or an ephemeral
// certificate.
type AdminAPIError struct {
	msg      string
	instance string
	err      error
	// NotAuthorized is true when the Admin API reported an authorization
	// failure (HTTP 403) for the instance.
	NotAuthorized bool
	// NotFound is true when the Admin API reported the instance does not
	// exist (HTTP 404).
	NotFound bool
}

// NewAdminAPIError initializes a generic AdminAPIError.
func NewAdminAPIError(msg, instance string, err error) *AdminAPIError {
	return &AdminAPIError{msg: msg, instance: instance, err: err}
}

// NewInstanceNotAuthorizedError initializes an AdminAPIError for a 403
// response.
func NewInstanceNotAuthorizedError(instance string, err error) *AdminAPIError {
	return &AdminAPIError{
		msg:           "instance is not authorized, or does not exist",
		instance:      instance,
		err:           err,
		NotAuthorized: true,
	}
}

// NewInstanceNotFoundError initializes an AdminAPIError for a 404 response.
func NewInstanceNotFoundError(instance string, err error) *AdminAPIError {
	return &AdminAPIError{
		msg:      "instance does not exist",
		instance: instance,
		err:      err,
		NotFound: true,
	}
}

// Error returns a human-readable message for the AdminAPIError.
func (e *AdminAPIError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.instance, e.msg, e.err)
	}
	return fmt.Sprintf("[%s] %s", e.instance, e.msg)
}

// Unwrap returns the underlying cause, if any.
func (e *AdminAPIError) Unwrap() error {
	return e.err
}

// DialError is used when a Dial operation fails to connect, handshake, or
// retrieve connection info in time.
type DialError struct {
	msg      string
	instance string
	err      error
	// Timeout is true when the Dial call exceeded the caller-supplied
	// timeout without ever observing a successful refresh.
	Timeout bool
}

// NewDialError initializes a DialError.
func NewDialError(msg, instance string, err error) *DialError {
	return &DialError{msg: msg, instance: instance, err: err}
}

// NewDialTimeoutError initializes a DialError that indicates the caller's
// timeout elapsed before connection info became available and no refresh
// attempt had yet failed.
func NewDialTimeoutError(instance string) *DialError {
	return &DialError{
		msg:      "context was done before successful connection info refresh",
		instance: instance,
		Timeout:  true,
	}
}

// Error returns a human-readable message for the DialError.
func (e *DialError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.instance, e.msg, e.err)
	}
	return fmt.Sprintf("[%s] %s", e.instance, e.msg)
}

// Unwrap returns the underlying cause, if any.
func (e *DialError) Unwrap() error {
	return e.err
}
