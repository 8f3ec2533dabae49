// Copyright 2024-2026 The Velocore Authors. SPDX-License-Identifier: Apache-2.0

// Package kerrors defines the error taxonomy shared by the compiler and the
// runtime. Errors are sentinel values wrapped with context at the point of
// failure (github.com/pkg/errors); callers classify with errors.Is.
//
// None of these errors is ever retried inside velocore itself; retry policy,
// if any, belongs to the caller.
package kerrors

import "github.com/pkg/errors"

var (
	// ErrUnsupportedConstruct: the kernel body uses a construct with no IR
	// representation (recursion, non-counted loop, unsupported intrinsic).
	// Surfaced at compile time; retrying cannot succeed.
	ErrUnsupportedConstruct = errors.New("unsupported kernel construct")

	// ErrBackendUnsupported: a specific backend cannot lower the given IR.
	// Other backends may still succeed; the caller may retry elsewhere.
	ErrBackendUnsupported = errors.New("operation not supported by backend")

	// ErrCompilationFailed: a cached terminal compilation failure. Returned
	// for repeated requests of a doomed key until the cache entry is
	// explicitly invalidated.
	ErrCompilationFailed = errors.New("kernel compilation failed")

	// ErrCrossDeviceAccess: a stream, buffer or kernel handle was used with a
	// device other than the one that created it, without negotiated peer
	// access. Indicates a caller bug; never retried.
	ErrCrossDeviceAccess = errors.New("resource used across devices without peer access")

	// ErrCrossStreamMisuse: a stream-owned resource was used in a way that
	// violates the stream contract (e.g. waiting on a marker never enqueued).
	ErrCrossStreamMisuse = errors.New("stream resource misuse")

	// ErrDeviceOutOfMemory: an allocation exceeded the device's remaining
	// capacity. May be retried after freeing other buffers.
	ErrDeviceOutOfMemory = errors.New("device out of memory")

	// ErrLaunchConfiguration: the requested grid/group/shared-memory
	// configuration exceeds device limits (or diverged at a barrier).
	// The caller must reduce the request.
	ErrLaunchConfiguration = errors.New("invalid launch configuration")
)
