package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. It honors
// the same atomicity contract as the persistent stores: a single mutex
// scopes every operation so readers never observe a half-written part list.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	messages map[string]Message
	steps    map[string]Step
	parts    map[string][]Part // keyed by step ID, kept ordered
	usage    map[string]Usage  // keyed by step ID
	files    map[string]FileContent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		messages: make(map[string]Message),
		steps:    make(map[string]Step),
		parts:    make(map[string][]Part),
		usage:    make(map[string]Usage),
		files:    make(map[string]FileContent),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateSession(_ context.Context, sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = NewSessionID()
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return Session{}, fmt.Errorf("%w: session %q already exists", ErrIntegrity, sess.ID)
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Flags == nil {
		sess.Flags = map[string]bool{}
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) UpdateSessionTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Title = title
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) UpdateSessionFlags(_ context.Context, id string, flags map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	copied := make(map[string]bool, len(flags))
	for k, v := range flags {
		copied[k] = v
	}
	sess.Flags = copied
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) SetTodos(_ context.Context, id string, todos []Todo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Todos = append([]Todo(nil), todos...)
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) AddMessage(_ context.Context, sessionID string, role Role) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return Message{}, ErrNotFound
	}
	msg := Message{
		ID:        NewMessageID(),
		SessionID: sessionID,
		Role:      role,
		Status:    StatusActive,
		CreatedAt: time.Now(),
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	s.messages[id] = msg
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

func (s *MemoryStore) CreateStep(_ context.Context, messageID string, index int, metadata map[string]any) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[messageID]; !ok {
		return Step{}, ErrNotFound
	}
	step := Step{
		ID:        NewStepID(),
		MessageID: messageID,
		Index:     index,
		Status:    StatusActive,
		Metadata:  metadata,
		StartedAt: time.Now(),
	}
	s.steps[step.ID] = step
	return step, nil
}

func (s *MemoryStore) ReplaceStepParts(_ context.Context, stepID string, parts []Part) error {
	for i := range parts {
		if err := validatePart(&parts[i]); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.steps[stepID]; !ok {
		return ErrNotFound
	}

	stored := make([]Part, len(parts))
	for i, part := range parts {
		part.StepID = stepID
		if part.ID == "" {
			part.ID = NewPartID()
		}
		if part.Kind == PartFile && len(part.FileData) > FileOffloadThreshold {
			key := fileKey(stepID, part.Ordering)
			if _, ok := s.files[key]; !ok {
				s.files[key] = FileContent{
					StepID:    stepID,
					Ordering:  part.Ordering,
					FileName:  part.FileName,
					MediaType: part.MediaType,
					Data:      append([]byte(nil), part.FileData...),
				}
			}
			part.Kind = PartFileRef
			part.FileRef = key
			part.FileData = nil
		}
		stored[i] = part
	}
	s.parts[stepID] = stored
	return nil
}

func (s *MemoryStore) CompleteStep(_ context.Context, stepID string, final CompleteStep) error {
	if !final.Status.Terminal() {
		return fmt.Errorf("%w: step status %q is not terminal", ErrIntegrity, final.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	step.Status = final.Status
	step.FinishReason = final.FinishReason
	step.Provider = final.Provider
	step.Model = final.Model
	step.EndedAt = now
	step.DurationMS = now.Sub(step.StartedAt).Milliseconds()
	s.steps[stepID] = step

	if final.Usage != nil {
		s.usage[stepID] = *final.Usage
	}
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, messageID string) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var steps []Step
	for _, st := range s.steps {
		if st.MessageID == messageID {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

func (s *MemoryStore) ListParts(_ context.Context, stepID string) ([]Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Part(nil), s.parts[stepID]...), nil
}

func (s *MemoryStore) StepUsage(_ context.Context, stepID string) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[stepID], nil
}

func (s *MemoryStore) MessageUsage(_ context.Context, messageID string) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total Usage
	for id, st := range s.steps {
		if st.MessageID == messageID {
			total = total.Add(s.usage[id])
		}
	}
	return total, nil
}

func (s *MemoryStore) GetFileContent(_ context.Context, stepID string, ordering int) (FileContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fc, ok := s.files[fileKey(stepID, ordering)]
	if !ok {
		return FileContent{}, ErrNotFound
	}
	return fc, nil
}

func fileKey(stepID string, ordering int) string {
	return fmt.Sprintf("%s/%d", stepID, ordering)
}
