package services

import (
	"context"
	"sync"
	"time"

	"github.com/sahilchouksey/chat-gateway/model"
	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

// fakeActive is an in-memory ActiveStore with failure injection.
type fakeActive struct {
	mu          sync.Mutex
	sessions    map[string]*model.ChatSession
	activeIndex map[string]string
	failSave    error
	failDelete  error
	saveCalls   int
	deleteCalls int
}

func newFakeActive() *fakeActive {
	return &fakeActive{
		sessions:    make(map[string]*model.ChatSession),
		activeIndex: make(map[string]string),
	}
}

func (f *fakeActive) GetActiveSessionID(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.activeIndex[userID]
	if !ok {
		return "", apperr.New(apperr.CodeSessionNotFound, false, "no active session")
	}
	return id, nil
}

func (f *fakeActive) GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, apperr.New(apperr.CodeSessionNotFound, false, "session not found")
	}
	clone := *s
	clone.Messages = append([]model.ChatMessage(nil), s.Messages...)
	return &clone, nil
}

func (f *fakeActive) SaveSession(ctx context.Context, session *model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.failSave != nil {
		return f.failSave
	}
	clone := *session
	clone.Messages = append([]model.ChatMessage(nil), session.Messages...)
	f.sessions[session.SessionID] = &clone
	f.activeIndex[session.UserID] = session.SessionID
	return nil
}

func (f *fakeActive) DeleteSession(ctx context.Context, session *model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.failDelete != nil {
		return f.failDelete
	}
	delete(f.sessions, session.SessionID)
	if f.activeIndex[session.UserID] == session.SessionID {
		delete(f.activeIndex, session.UserID)
	}
	return nil
}

func (f *fakeActive) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

// fakeArchive is an in-memory ArchiveStore with failure injection.
type fakeArchive struct {
	mu           sync.Mutex
	archived     map[string]*model.ChatSession
	failPersist  error
	persistCalls int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{archived: make(map[string]*model.ChatSession)}
}

func (f *fakeArchive) PersistSession(ctx context.Context, session *model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls++
	if f.failPersist != nil {
		return f.failPersist
	}
	clone := *session
	clone.Messages = append([]model.ChatMessage(nil), session.Messages...)
	f.archived[session.SessionID] = &clone
	return nil
}

func (f *fakeArchive) GetSession(ctx context.Context, userID, sessionID string, createdAt time.Time) (*model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.archived[sessionID]
	if !ok || s.UserID != userID {
		return nil, apperr.New(apperr.CodeSessionNotFound, false, "archived session not found")
	}
	return s, nil
}

func (f *fakeArchive) ListSessionIDs(ctx context.Context, userID string) ([]model.ArchiveRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []model.ArchiveRef
	for _, s := range f.archived {
		if s.UserID == userID {
			refs = append(refs, model.ArchiveRef{SessionID: s.SessionID, CreatedAt: s.CreatedAt})
		}
	}
	return refs, nil
}

// fakeBackend records backend interactions and can script stream behavior.
type fakeBackend struct {
	mu          sync.Mutex
	opened      []string
	sent        []string
	closed      []string
	openErr     error
	sendErr     error
	tokens      []string
	streamErr   error // returned after tokens are yielded
	streamFn    func(ctx context.Context, onToken func(string) error) error
	streamCalls int
}

func (f *fakeBackend) OpenConnection(ctx context.Context, sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, sessionID)
	return nil
}

func (f *fakeBackend) SendUserMessage(ctx context.Context, sessionID, content, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, messageID)
	return nil
}

func (f *fakeBackend) StreamAssistantReply(ctx context.Context, sessionID, parentMessageID string, onToken func(string) error) error {
	f.mu.Lock()
	tokens := f.tokens
	streamErr := f.streamErr
	streamFn := f.streamFn
	f.streamCalls++
	f.mu.Unlock()

	if streamFn != nil {
		return streamFn(ctx, onToken)
	}

	for _, tok := range tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return streamErr
}

func (f *fakeBackend) CloseConnection(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

// fakeLocker grants every lock immediately while asserting real mutual
// exclusion per key.
type fakeLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	calls int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (f *fakeLocker) RunWithLock(ctx context.Context, key string, ttl time.Duration, body func(ctx context.Context) error) error {
	f.mu.Lock()
	if f.held[key] {
		f.mu.Unlock()
		return apperr.New(apperr.CodeLockFailed, true, "lock held")
	}
	f.held[key] = true
	f.calls++
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}()
	return body(ctx)
}
