package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/model"
	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

type orchestratorFixture struct {
	active  *fakeActive
	archive *fakeArchive
	backend *fakeBackend
	locker  *fakeLocker
	svc     *ChatService
}

func newOrchestrator(t *testing.T) *orchestratorFixture {
	t.Helper()
	active := newFakeActive()
	archive := newFakeArchive()
	backend := &fakeBackend{}
	locker := newFakeLocker()

	domain := NewSessionDomain()
	policy := testPolicy()
	log := zerolog.Nop()

	lifecycle := NewLifecycleService(active, archive, policy, log)
	updater := NewUpdaterService(active, domain, policy, log)
	messaging := NewMessagingService(backend, policy, log)
	svc := NewChatService(lifecycle, updater, messaging, backend, active, locker, time.Minute, policy, log)

	return &orchestratorFixture{
		active:  active,
		archive: archive,
		backend: backend,
		locker:  locker,
		svc:     svc,
	}
}

func TestStartSessionOpensBackendConnection(t *testing.T) {
	f := newOrchestrator(t)

	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if len(f.backend.opened) != 1 || f.backend.opened[0] != session.SessionID {
		t.Fatalf("backend connection not opened for %s: %v", session.SessionID, f.backend.opened)
	}
}

func TestStartSessionRollsBackWhenOpenFails(t *testing.T) {
	f := newOrchestrator(t)
	f.backend.openErr = apperr.New(apperr.CodeBackendFailure, false, "agent rejected session")

	_, err := f.svc.StartSession(context.Background(), "u1")
	if !apperr.IsCode(err, apperr.CodeBackendFailure) {
		t.Fatalf("expected open failure to surface, got %v", err)
	}

	// The compensating end must leave no active session behind.
	if _, err := f.active.GetActiveSessionID(context.Background(), "u1"); !apperr.IsNotFound(err) {
		t.Fatalf("created-but-unopened session was not rolled back: %v", err)
	}
}

func TestSendMessageAppendsBeforeBackendSend(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hello", "m1"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	stored, err := f.active.GetSession(context.Background(), session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Messages) != 1 || stored.Messages[0].Role != model.RoleUser || stored.Messages[0].Content != "hello" {
		t.Fatalf("user message not appended: %+v", stored.Messages)
	}
	if len(f.backend.sent) != 1 || f.backend.sent[0] != "m1" {
		t.Fatalf("backend send not performed: %v", f.backend.sent)
	}
}

func TestSendMessageSkipsBackendWhenAppendFails(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}

	f.active.failSave = apperr.New(apperr.CodeTransactionFailed, false, "partial write")
	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hello", "m1"); err == nil {
		t.Fatal("expected append failure to surface")
	}
	if len(f.backend.sent) != 0 {
		t.Fatal("backend must not be contacted when the append fails")
	}
}

func TestSendMessageToUnknownSession(t *testing.T) {
	f := newOrchestrator(t)

	err := f.svc.SendMessage(context.Background(), "missing", "hello", "m1")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected session_not_found, got %v", err)
	}
}

func TestStreamReplyAccumulatesIntoOneAssistantMessage(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hi", "m1"); err != nil {
		t.Fatal(err)
	}

	f.backend.tokens = []string{"A", "B", "C"}
	var relayed []string
	err = f.svc.StreamReply(context.Background(), session.SessionID, "m1", func(token string) error {
		relayed = append(relayed, token)
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(relayed) != 3 {
		t.Fatalf("expected 3 relayed tokens, got %v", relayed)
	}

	stored, err := f.active.GetSession(context.Background(), session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	var assistant []model.ChatMessage
	for _, m := range stored.Messages {
		if m.Role == model.RoleAssistant {
			assistant = append(assistant, m)
		}
	}
	if len(assistant) != 1 {
		t.Fatalf("expected exactly one assistant message, got %d", len(assistant))
	}
	if assistant[0].Content != "ABC" {
		t.Fatalf("expected accumulated content %q, got %q", "ABC", assistant[0].Content)
	}
}

func TestStreamReplyDiscardsPartialTextOnFault(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hi", "m1"); err != nil {
		t.Fatal(err)
	}

	f.backend.tokens = []string{"A"}
	f.backend.streamErr = apperr.New(apperr.CodeBackendFailure, false, "stream broke")

	var relayed []string
	err = f.svc.StreamReply(context.Background(), session.SessionID, "m1", func(token string) error {
		relayed = append(relayed, token)
		return nil
	})
	if err == nil {
		t.Fatal("expected stream fault to surface")
	}
	if len(relayed) != 1 || relayed[0] != "A" {
		t.Fatalf("tokens produced before the fault must still be relayed: %v", relayed)
	}

	stored, err := f.active.GetSession(context.Background(), session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range stored.Messages {
		if m.Role == model.RoleAssistant {
			t.Fatalf("no assistant message may be persisted for an incomplete reply: %+v", m)
		}
	}
}

func TestStreamReplyDiscardsPartialTextOnCancellation(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hi", "m1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The backend yields one token, then observes the cancellation and
	// terminates the stream silently, as the real adapter does.
	f.backend.streamFn = func(streamCtx context.Context, onToken func(string) error) error {
		if err := onToken("A"); err != nil {
			return err
		}
		cancel()
		<-streamCtx.Done()
		return nil
	}

	var relayed []string
	err = f.svc.StreamReply(ctx, session.SessionID, "m1", func(token string) error {
		relayed = append(relayed, token)
		return nil
	})
	if !apperr.IsCancelled(err) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if len(relayed) != 1 || relayed[0] != "A" {
		t.Fatalf("tokens produced before cancellation must still be relayed: %v", relayed)
	}

	stored, err := f.active.GetSession(context.Background(), session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range stored.Messages {
		if m.Role == model.RoleAssistant {
			t.Fatalf("no assistant message may be persisted after cancellation: %+v", m)
		}
	}
}

func TestStreamReplyIsIdempotentPerParentMessage(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hi", "m1"); err != nil {
		t.Fatal(err)
	}

	f.backend.tokens = []string{"A", "B"}
	for i := 0; i < 2; i++ {
		if err := f.svc.StreamReply(context.Background(), session.SessionID, "m1", func(string) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}

	stored, err := f.active.GetSession(context.Background(), session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	assistant := 0
	for _, m := range stored.Messages {
		if m.Role == model.RoleAssistant {
			assistant++
		}
	}
	if assistant != 1 {
		t.Fatalf("re-streamed reply for the same parent must append once, got %d", assistant)
	}
}

func TestStreamReplyWithNoTokensPersistsNothing(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hi", "m1"); err != nil {
		t.Fatal(err)
	}

	// A normally-completed stream with zero tokens appends no message.
	if err := f.svc.StreamReply(context.Background(), session.SessionID, "m1", func(token string) error {
		t.Fatalf("unexpected token %q", token)
		return nil
	}); err != nil {
		t.Fatalf("empty stream must complete cleanly: %v", err)
	}

	stored, err := f.active.GetSession(context.Background(), session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range stored.Messages {
		if m.Role == model.RoleAssistant {
			t.Fatalf("no assistant message may be persisted for an empty reply: %+v", m)
		}
	}

	// A later re-stream that does produce text still appends the reply.
	f.backend.tokens = []string{"X"}
	if err := f.svc.StreamReply(context.Background(), session.SessionID, "m1", func(string) error { return nil }); err != nil {
		t.Fatal(err)
	}
	stored, err = f.active.GetSession(context.Background(), session.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	assistant := 0
	for _, m := range stored.Messages {
		if m.Role == model.RoleAssistant {
			assistant++
			if m.Content != "X" {
				t.Fatalf("expected reply content %q, got %q", "X", m.Content)
			}
		}
	}
	if assistant != 1 {
		t.Fatalf("expected exactly one assistant message, got %d", assistant)
	}
}

func TestEndSessionClosesBackendAndArchives(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.EndSession(context.Background(), session.SessionID); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if len(f.backend.closed) != 1 || f.backend.closed[0] != session.SessionID {
		t.Fatalf("backend connection not closed: %v", f.backend.closed)
	}
	if _, ok := f.archive.archived[session.SessionID]; !ok {
		t.Fatal("session was not archived")
	}

	// Ending again is benign.
	if err := f.svc.EndSession(context.Background(), session.SessionID); err != nil {
		t.Fatalf("second end failed: %v", err)
	}
}

func TestFullSessionScenario(t *testing.T) {
	f := newOrchestrator(t)

	// Start with no prior active session creates a fresh one.
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if session.UserID != "u1" || session.SessionID == "" {
		t.Fatalf("unexpected session: %+v", session)
	}

	// Send appends a user message and reaches the backend.
	if err := f.svc.SendMessage(context.Background(), session.SessionID, "hello", "m1"); err != nil {
		t.Fatal(err)
	}
	if len(f.backend.sent) != 1 {
		t.Fatal("backend send not performed")
	}

	// End archives then deletes.
	if err := f.svc.EndSession(context.Background(), session.SessionID); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.archive.archived[session.SessionID]; !ok {
		t.Fatal("session not archived on end")
	}

	// A subsequent start creates a new session id, not the archived one.
	next, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if next.SessionID == session.SessionID {
		t.Fatal("archived session id must not be resurrected")
	}
}

func TestLockBusyIsRetriedThenSurfaced(t *testing.T) {
	f := newOrchestrator(t)
	session, err := f.svc.StartSession(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}

	// Hold the user's lock for the whole test.
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = f.locker.RunWithLock(context.Background(), "lock:u1", time.Minute, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	err = f.svc.SendMessage(context.Background(), session.SessionID, "hello", "m1")
	if !apperr.IsCode(err, apperr.CodeLockFailed) {
		t.Fatalf("expected lock_failed after retries, got %v", err)
	}
	if !errors.As(err, new(*apperr.Error)) {
		t.Fatalf("expected a tagged error, got %T", err)
	}
}
