// Package filesync moves workspace files between blob storage and a
// sandbox's /workspace directory, in both directions, and carries the
// agent's opaque session state across sandbox generations. Failures are
// per-file: a bad file is logged and skipped, never fatal to the request
// that triggered the sync.
package filesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/terusibata/workspace-sandbox/internal/audit"
	"github.com/terusibata/workspace-sandbox/internal/backend"
	"github.com/terusibata/workspace-sandbox/internal/errdefs"
)

const (
	// SessionPrefix is the reserved blob-store subtree holding agent
	// session state. Reserved subtrees never appear in user-visible file
	// listings and are never synced into /workspace.
	SessionPrefix = "_sdk_session/"

	workspaceRoot = "/workspace"

	// sessionSandboxDir is where the agent keeps its session files inside
	// a sandbox, outside /workspace so workspace sync never touches them.
	sessionSandboxDir = "/home/appuser/.agent-session"

	recordKeyPrefix = "workspace:files"
)

// Sources a file record can carry.
const (
	SourceUserUpload = "user_upload"
	SourceAICreated  = "ai_created"
	SourceAIModified = "ai_modified"
)

// Record is the durable metadata row kept per synced file.
type Record struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Version  int    `json:"version"`
	Source   string `json:"source"`
	Checksum string `json:"checksum"`
}

// Syncer owns the blob-store/sandbox file bridge for all conversations.
type Syncer struct {
	blob    BlobStore
	backend backend.ContainerBackend
	rdb     *redis.Client
	prefix  string

	// metaMu serializes record upserts: syncs can run mid-request off
	// file-tool events concurrently with the end-of-stream sync.
	metaMu sync.Mutex
}

// New creates a Syncer. prefix is the blob-store workspace prefix under
// which all tenants' files live.
func New(blob BlobStore, be backend.ContainerBackend, rdb *redis.Client, prefix string) *Syncer {
	return &Syncer{
		blob:    blob,
		backend: be,
		rdb:     rdb,
		prefix:  strings.Trim(prefix, "/"),
	}
}

func (s *Syncer) blobKey(tenantID, conversationID, relPath string) string {
	return path.Join(s.prefix, tenantID, conversationID, relPath)
}

func (s *Syncer) recordKey(tenantID, conversationID string) string {
	return recordKeyPrefix + ":" + tenantID + ":" + conversationID
}

func isReserved(relPath string) bool {
	return strings.HasPrefix(relPath, SessionPrefix) || strings.HasPrefix(relPath, ".")
}

// ListRecords returns the conversation's file records, excluding reserved
// subtrees.
func (s *Syncer) ListRecords(ctx context.Context, tenantID, conversationID string) ([]Record, error) {
	data, err := s.rdb.HGetAll(ctx, s.recordKey(tenantID, conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}

	records := make([]Record, 0, len(data))
	for relPath, raw := range data {
		if isReserved(relPath) {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			slog.Warn("file sync: malformed record skipped", "path", relPath, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// UpsertRecord records the file's current size and checksum: a new path
// starts at version 1 with the given source; an existing path whose size or
// checksum changed is bumped a version and marked ai_modified.
func (s *Syncer) UpsertRecord(ctx context.Context, tenantID, conversationID, relPath string, size int64, checksum, source string) (Record, error) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	key := s.recordKey(tenantID, conversationID)
	raw, err := s.rdb.HGet(ctx, key, relPath).Result()

	var rec Record
	switch {
	case err == redis.Nil:
		rec = Record{Path: relPath, Size: size, Version: 1, Source: source, Checksum: checksum}
	case err != nil:
		return Record{}, fmt.Errorf("read file record: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			rec = Record{Path: relPath, Version: 0}
		}
		if rec.Size == size && rec.Checksum == checksum {
			return rec, nil
		}
		rec.Size = size
		rec.Checksum = checksum
		rec.Version++
		rec.Source = SourceAIModified
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode file record: %w", err)
	}
	if err := s.rdb.HSet(ctx, key, relPath, string(encoded)).Err(); err != nil {
		return Record{}, fmt.Errorf("write file record: %w", err)
	}
	return rec, nil
}

// SyncToContainer populates the sandbox's /workspace from blob storage.
// Per-file failures are logged and skipped; returns the count synced.
func (s *Syncer) SyncToContainer(ctx context.Context, tenantID, conversationID string, sb *backend.Sandbox) (int, error) {
	records, err := s.ListRecords(ctx, tenantID, conversationID)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, rec := range records {
		data, err := s.blob.Download(ctx, s.blobKey(tenantID, conversationID, rec.Path))
		if err != nil {
			slog.Error("file sync: download failed", "path", rec.Path, "conversation", conversationID, "error", err)
			continue
		}
		dest := path.Join(workspaceRoot, rec.Path)
		if err := s.backend.WriteFile(ctx, sb.ID, dest, data); err != nil {
			slog.Error("file sync: write into sandbox failed", "path", dest, "sandbox", sb.ID, "error", err)
			continue
		}
		synced++
	}

	audit.FileSyncToContainer(audit.FileSyncToContainerEvent{
		ConversationID: conversationID,
		ContainerID:    sb.ID,
		TenantID:       tenantID,
		SyncedCount:    synced,
		TotalCount:     len(records),
	})
	return synced, nil
}

// SyncFromContainer persists the sandbox's /workspace back to blob storage
// and upserts each file's record. Same partial-failure discipline as
// SyncToContainer.
func (s *Syncer) SyncFromContainer(ctx context.Context, tenantID, conversationID string, sb *backend.Sandbox) (int, error) {
	relPaths, err := s.listWorkspaceFiles(ctx, sb)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, relPath := range relPaths {
		if isReserved(relPath) {
			continue
		}

		code, data, err := s.backend.ExecInContainerBinary(ctx, sb.ID, []string{"cat", path.Join(workspaceRoot, relPath)})
		if err != nil || code != 0 {
			slog.Error("file sync: read from sandbox failed", "path", relPath, "sandbox", sb.ID, "exit", code, "error", err)
			continue
		}

		if err := s.blob.Upload(ctx, s.blobKey(tenantID, conversationID, relPath), data); err != nil {
			slog.Error("file sync: upload failed", "path", relPath, "conversation", conversationID, "error", err)
			continue
		}

		sum := sha256.Sum256(data)
		if _, err := s.UpsertRecord(ctx, tenantID, conversationID, relPath, int64(len(data)), hex.EncodeToString(sum[:]), SourceAICreated); err != nil {
			slog.Error("file sync: record upsert failed", "path", relPath, "error", err)
			continue
		}
		synced++
	}

	audit.FileSyncFromContainer(audit.FileSyncFromContainerEvent{
		ConversationID: conversationID,
		ContainerID:    sb.ID,
		TenantID:       tenantID,
		SyncedCount:    synced,
	})
	return synced, nil
}

// listWorkspaceFiles enumerates regular files under /workspace inside the
// sandbox, returned as paths relative to the workspace root.
func (s *Syncer) listWorkspaceFiles(ctx context.Context, sb *backend.Sandbox) ([]string, error) {
	code, out, err := s.backend.ExecInContainer(ctx, sb.ID, []string{"find", workspaceRoot, "-type", "f"})
	if err != nil {
		return nil, fmt.Errorf("list workspace files: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("list workspace files: exit %d: %s", code, out)
	}

	var relPaths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rel := strings.TrimPrefix(line, workspaceRoot+"/")
		if rel == line || rel == "" {
			continue
		}
		relPaths = append(relPaths, rel)
	}
	return relPaths, nil
}

// SaveSessionFile copies the agent's session state out of the sandbox into
// the reserved blob subtree, so a fresh sandbox can resume the
// conversation later.
func (s *Syncer) SaveSessionFile(ctx context.Context, tenantID, conversationID, sessionID string, sb *backend.Sandbox) error {
	src := path.Join(sessionSandboxDir, sessionID+".jsonl")
	code, data, err := s.backend.ExecInContainerBinary(ctx, sb.ID, []string{"cat", src})
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}
	if code != 0 {
		// No session file yet: the agent has not persisted state. Not an
		// error, there is simply nothing to save.
		return nil
	}

	key := s.blobKey(tenantID, conversationID, SessionPrefix+sessionID+".jsonl")
	if err := s.blob.Upload(ctx, key, data); err != nil {
		return fmt.Errorf("save session file: %w", err)
	}
	return nil
}

// RestoreSessionFile copies the agent's session state from blob storage
// into a fresh sandbox. A missing session file is not an error: the
// conversation simply starts without prior state.
func (s *Syncer) RestoreSessionFile(ctx context.Context, tenantID, conversationID, sessionID string, sb *backend.Sandbox) error {
	key := s.blobKey(tenantID, conversationID, SessionPrefix+sessionID+".jsonl")
	data, err := s.blob.Download(ctx, key)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore session file: %w", err)
	}

	dest := path.Join(sessionSandboxDir, sessionID+".jsonl")
	if err := s.backend.WriteFile(ctx, sb.ID, dest, data); err != nil {
		return fmt.Errorf("restore session file: %w", err)
	}
	return nil
}

// DeleteRecords drops the conversation's file metadata, used when a
// conversation is deleted upstream.
func (s *Syncer) DeleteRecords(ctx context.Context, tenantID, conversationID string) error {
	if err := s.rdb.Del(ctx, s.recordKey(tenantID, conversationID)).Err(); err != nil {
		return fmt.Errorf("delete file records: %w", err)
	}
	return nil
}
