package chat

import "github.com/pkg/errors"

var (
	// ErrAccessDenied covers a conversation that does not exist, is owned by
	// another user, or was soft-deleted. Rejected before any state change.
	ErrAccessDenied = errors.New("chat: access denied")

	// ErrInvalidTitle rejects empty or oversized conversation titles.
	ErrInvalidTitle = errors.New("chat: invalid title")

	// ErrEmptyMessage rejects user turns with no content.
	ErrEmptyMessage = errors.New("chat: empty message content")
)
