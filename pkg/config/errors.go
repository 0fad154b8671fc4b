// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import "errors"

var (
	// ErrInvalidCompleteWait is returned when CompleteWait is negative.
	ErrInvalidCompleteWait = errors.New("complete_wait must be non-negative")

	// ErrInvalidMessageTimeout is returned when MessageTimeout is not positive.
	ErrInvalidMessageTimeout = errors.New("message_timeout must be greater than 0")

	// ErrInvalidDefaultQueueDepth reports a negative DefaultQueueDepth.
	// Validate does not return it; ParsedParams ignores a negative
	// default_queue_depth instead.
	ErrInvalidDefaultQueueDepth = errors.New("default_queue_depth must be non-negative")
)
