// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotConnected indicates the realtime channel is not usable.
	ErrNotConnected = errors.New("not connected")

	// ErrEmptyContent indicates a send with empty or whitespace-only content.
	ErrEmptyContent = errors.New("empty content")

	// ErrNoChat indicates a missing chat id on an operation that requires one.
	ErrNoChat = errors.New("no chat id")

	// ErrNoUser indicates there is no authenticated user.
	ErrNoUser = errors.New("no authenticated user")

	// ErrDuplicateSend indicates the same logical send was triggered twice
	// within the suppression window.
	ErrDuplicateSend = errors.New("duplicate send")

	// ErrChatNotFound indicates the chat does not exist server-side, which a
	// UI presents as "may have been deleted" rather than a generic failure.
	ErrChatNotFound = errors.New("chat not found")

	// ErrUnauthorized indicates the session is no longer valid.
	ErrUnauthorized = errors.New("unauthorized")
)
