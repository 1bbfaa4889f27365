// Copyright 2024 Google LLC
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

// Package debug holds the logging interface used across the connector. It is
// intentionally tiny: callers wire in whatever structured logger they
// already use (zap, slog, logrus, ...) by implementing Logger.
package debug

// Logger is the logging interface the connector uses to report on its
// internal operations: refresh attempts, cache hits and misses, and forced
// refreshes. The default is a no-op.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// NullLogger discards all log output. It is the default Logger for a Dialer
// that hasn't been configured with WithLogger.
type NullLogger struct{}

// Debugf implements the Logger interface and does nothing.
func (NullLogger) Debugf(string, ...interface{}) {}
