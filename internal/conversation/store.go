package conversation

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("conversation: not found")

// ErrIntegrity marks a write rejected for a structural reason: a required
// field missing or invalid, or a constraint violation. Integrity errors are
// never retried; retrying cannot fix a malformed write.
var ErrIntegrity = errors.New("conversation: integrity error")

// FileOffloadThreshold is the inline payload size above which file part
// content is migrated into dedicated content storage.
const FileOffloadThreshold = 8 * 1024

// Store is the stateless persistence service for conversation records. Every
// operation is atomic; implementations retry transient lock contention with
// bounded backoff and propagate integrity errors immediately.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	UpdateSessionFlags(ctx context.Context, id string, flags map[string]bool) error
	SetTodos(ctx context.Context, id string, todos []Todo) error

	// Messages
	AddMessage(ctx context.Context, sessionID string, role Role) (Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status Status) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	// Steps
	CreateStep(ctx context.Context, messageID string, index int, metadata map[string]any) (Step, error)
	ReplaceStepParts(ctx context.Context, stepID string, parts []Part) error
	CompleteStep(ctx context.Context, stepID string, final CompleteStep) error
	ListSteps(ctx context.Context, messageID string) ([]Step, error)
	ListParts(ctx context.Context, stepID string) ([]Part, error)

	// Usage. StepUsage returns the zero value when no usage row was
	// recorded; MessageUsage is always a computed sum over steps.
	StepUsage(ctx context.Context, stepID string) (Usage, error)
	MessageUsage(ctx context.Context, messageID string) (Usage, error)

	// Offloaded file content
	GetFileContent(ctx context.Context, stepID string, ordering int) (FileContent, error)

	Close() error
}
