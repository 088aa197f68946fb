package memory

import "errors"

// Sentinel errors returned by Store implementations. Callers match them
// with errors.Is; implementations wrap them with identifying context.
var (
	// ErrNotFound marks a referenced conversation, history entry or step
	// that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoActiveConversation marks a message append with no resolvable
	// thread: the caller passed no conversation id and the default
	// conversation is gone.
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrInvalidEventType marks a timeline event whose type is outside
	// the fixed enumeration.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrDuplicateID marks a conversation create with an id that already
	// exists.
	ErrDuplicateID = errors.New("duplicate id")
)
