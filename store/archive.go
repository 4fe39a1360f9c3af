package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/model"
	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

// createdAtLayout is the compact timestamp segment of an archive object key.
const createdAtLayout = "20060102T150405Z"

// Blob is the slice of the durable tier the archive store needs.
type Blob interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ArchiveStore is the durable-tier repository for finished sessions. Records
// are gzip-compressed JSON snapshots written once per session; re-archival of
// the same session produces the same logical content.
type ArchiveStore struct {
	blob Blob
	log  zerolog.Logger
}

// NewArchiveStore creates a new archive session store
func NewArchiveStore(blob Blob, log zerolog.Logger) *ArchiveStore {
	return &ArchiveStore{
		blob: blob,
		log:  log.With().Str("component", "archive_store").Logger(),
	}
}

// ArchiveKey builds the deterministic object path for a session snapshot.
func ArchiveKey(userID, sessionID string, createdAt time.Time) string {
	return fmt.Sprintf("sessions/%s/%s/%s.json", userID, sessionID, createdAt.UTC().Format(createdAtLayout))
}

func userPrefix(userID string) string {
	return fmt.Sprintf("sessions/%s/", userID)
}

// PersistSession serializes, compresses and writes a session snapshot. The
// path derives from (userId, sessionId, createdAt), so retried archival
// overwrites the object with identical content.
func (s *ArchiveStore) PersistSession(ctx context.Context, session *model.ChatSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidData, false, "session serialization failed", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return apperr.Wrap(apperr.CodeInternal, false, "session compression failed", err)
	}
	if err := gz.Close(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, false, "session compression failed", err)
	}

	key := ArchiveKey(session.UserID, session.SessionID, session.CreatedAt)
	if err := s.blob.Upload(ctx, key, buf.Bytes(), "application/gzip"); err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, true, "archive upload failed", err)
	}
	return nil
}

// GetSession retrieves and decodes one archived session snapshot.
func (s *ArchiveStore) GetSession(ctx context.Context, userID, sessionID string, createdAt time.Time) (*model.ChatSession, error) {
	key := ArchiveKey(userID, sessionID, createdAt)

	exists, err := s.blob.Exists(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, true, "archive existence check failed", err)
	}
	if !exists {
		return nil, apperr.Newf(apperr.CodeSessionNotFound, false, "archived session %s not found", sessionID)
	}

	data, err := s.blob.Download(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, true, "archive download failed", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("corrupt compressed payload in archive")
		return nil, apperr.Wrap(apperr.CodeInvalidData, false, "corrupt archive payload", err)
	}
	defer gz.Close()

	payload, err := io.ReadAll(gz)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("corrupt compressed payload in archive")
		return nil, apperr.Wrap(apperr.CodeInvalidData, false, "corrupt archive payload", err)
	}

	var session model.ChatSession
	if err := json.Unmarshal(payload, &session); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("malformed session payload in archive")
		return nil, apperr.Wrap(apperr.CodeInvalidData, false, "malformed archive payload", err)
	}
	return &session, nil
}

// ListSessionIDs enumerates a user's archived sessions, newest first. Entries
// whose path does not parse are skipped and logged; one bad object never fails
// the whole listing.
func (s *ArchiveStore) ListSessionIDs(ctx context.Context, userID string) ([]model.ArchiveRef, error) {
	keys, err := s.blob.List(ctx, userPrefix(userID))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUnavailable, true, "archive listing failed", err)
	}

	refs := make([]model.ArchiveRef, 0, len(keys))
	for _, key := range keys {
		ref, err := parseArchiveKey(userID, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("skipping unparseable archive entry")
			continue
		}
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].CreatedAt.After(refs[j].CreatedAt)
	})
	return refs, nil
}

func parseArchiveKey(userID, key string) (model.ArchiveRef, error) {
	rest, ok := strings.CutPrefix(key, userPrefix(userID))
	if !ok {
		return model.ArchiveRef{}, fmt.Errorf("key outside user prefix: %s", key)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return model.ArchiveRef{}, fmt.Errorf("unexpected key shape: %s", key)
	}

	stamp, ok := strings.CutSuffix(parts[1], ".json")
	if !ok {
		return model.ArchiveRef{}, fmt.Errorf("unexpected object suffix: %s", key)
	}

	createdAt, err := time.Parse(createdAtLayout, stamp)
	if err != nil {
		return model.ArchiveRef{}, fmt.Errorf("unparseable timestamp segment %q: %w", stamp, err)
	}

	return model.ArchiveRef{SessionID: parts[0], CreatedAt: createdAt}, nil
}
