// Package store is the durable, ordered message log backing conversation
// threads. Each thread persists as one JSON file under the storage
// directory; histories load lazily on first access.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"threadflow/pkg/billing"
	"threadflow/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var filenameSafeRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// Record type constants for stored messages. Conversation roles store under
// their role name; auxiliary records use dedicated types.
const (
	TypeUser           = "user"
	TypeAssistant      = "assistant"
	TypeTool           = "tool"
	TypeSystem         = "system"
	TypeStatus         = "status"
	TypeLLMResponseEnd = "llm_response_end"
)

// MetadataCacheNeedsRebuild flags a thread whose cache annotations must be
// rebuilt before the next call (compression or model change invalidated them).
const MetadataCacheNeedsRebuild = "cache_needs_rebuild"

// listPageSize is the internal pagination window for history listing; a
// short page ends pagination.
const listPageSize = 1000

// Record is one stored message row.
type Record struct {
	ID           string              `json:"message_id"`
	Type         string              `json:"type"`
	Content      jsoniter.RawMessage `json:"content"`
	IsLLMMessage bool                `json:"is_llm_message"`
	Metadata     map[string]any      `json:"metadata,omitempty"`
	CreatedAt    int64               `json:"created_at"` // unix nanoseconds
}

type threadFile struct {
	ThreadID  string         `json:"thread_id"`
	AccountID string         `json:"account_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Records   []Record       `json:"records"`
}

// FileStore is the file-backed thread store.
type FileStore struct {
	dir      string
	mu       sync.RWMutex
	threads  map[string]*threadFile
	reporter billing.Reporter
}

// NewFileStore initializes a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	if dir != "" {
		os.MkdirAll(dir, 0755)
	}
	return &FileStore{
		dir:     dir,
		threads: make(map[string]*threadFile),
	}
}

// SetBillingReporter wires the reporter invoked when a usage record lands.
func (s *FileStore) SetBillingReporter(r billing.Reporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporter = r
}

// CreateThread creates a new thread and returns its id.
func (s *FileStore) CreateThread(ctx context.Context, accountID string, metadata map[string]any) (string, error) {
	id := utils.GenerateID()
	t := &threadFile{
		ThreadID:  id,
		AccountID: accountID,
		Metadata:  metadata,
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[id] = t
	if err := s.saveLocked(t); err != nil {
		delete(s.threads, id)
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	slog.InfoContext(ctx, "Created thread", "thread_id", id)
	return id, nil
}

// AppendMessage appends one record to a thread. content is marshaled as-is;
// plain strings store as JSON strings, structs as objects. A usage record
// (TypeLLMResponseEnd) additionally triggers best-effort billing.
func (s *FileStore) AppendMessage(ctx context.Context, threadID, msgType string, content any, isLLM bool, metadata map[string]any) (*Record, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message content: %w", err)
	}

	rec := Record{
		ID:           utils.GenerateID(),
		Type:         msgType,
		Content:      raw,
		IsLLMMessage: isLLM,
		Metadata:     metadata,
		CreatedAt:    time.Now().UnixNano(),
	}

	s.mu.Lock()
	t, err := s.loadLocked(threadID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	t.Records = append(t.Records, rec)
	err = s.saveLocked(t)
	accountID := t.AccountID
	reporter := s.reporter
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	if msgType == TypeLLMResponseEnd && reporter != nil {
		s.handleBilling(ctx, reporter, accountID, threadID, rec)
	}

	return &rec, nil
}

// ListLLMMessages returns the thread's LLM-visible records in creation
// order. Listing pages internally; a short page ends pagination.
func (s *FileStore) ListLLMMessages(ctx context.Context, threadID string) ([]Record, error) {
	s.mu.Lock()
	t, err := s.loadLocked(threadID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	all := make([]Record, len(t.Records))
	copy(all, t.Records)
	s.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt < all[j].CreatedAt })

	var out []Record
	for offset := 0; ; offset += listPageSize {
		page := pageOf(all, offset, listPageSize)
		for _, rec := range page {
			if rec.IsLLMMessage {
				out = append(out, rec)
			}
		}
		if len(page) < listPageSize {
			break
		}
	}
	return out, nil
}

// LatestByType returns the most recent record of the given type, or nil when
// the thread has none.
func (s *FileStore) LatestByType(ctx context.Context, threadID, msgType string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.loadLocked(threadID)
	if err != nil {
		return nil, err
	}
	for i := len(t.Records) - 1; i >= 0; i-- {
		if t.Records[i].Type == msgType {
			rec := t.Records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// ThreadMetadataValue reads one thread metadata key; missing keys yield nil.
func (s *FileStore) ThreadMetadataValue(ctx context.Context, threadID, key string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.loadLocked(threadID)
	if err != nil {
		return nil, err
	}
	return t.Metadata[key], nil
}

// SetThreadMetadataValue writes one thread metadata key and persists.
func (s *FileStore) SetThreadMetadataValue(ctx context.Context, threadID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.loadLocked(threadID)
	if err != nil {
		return err
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
	return s.saveLocked(t)
}

// AccountID returns the billing account owning the thread.
func (s *FileStore) AccountID(ctx context.Context, threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.loadLocked(threadID)
	if err != nil {
		return "", err
	}
	return t.AccountID, nil
}

func pageOf(recs []Record, offset, size int) []Record {
	if offset >= len(recs) {
		return nil
	}
	end := offset + size
	if end > len(recs) {
		end = len(recs)
	}
	return recs[offset:end]
}

func (s *FileStore) path(threadID string) string {
	safeID := filenameSafeRegex.ReplaceAllString(threadID, "_")
	return filepath.Join(s.dir, fmt.Sprintf("thread_%s.json", safeID))
}

// loadLocked returns the in-memory thread, reading it from disk on first
// access. Callers must hold s.mu.
func (s *FileStore) loadLocked(threadID string) (*threadFile, error) {
	if t, ok := s.threads[threadID]; ok {
		return t, nil
	}

	if s.dir == "" {
		return nil, fmt.Errorf("thread %s not found", threadID)
	}

	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("thread %s not found", threadID)
		}
		return nil, fmt.Errorf("failed to read thread %s: %w", threadID, err)
	}

	var t threadFile
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse thread %s: %w", threadID, err)
	}
	s.threads[threadID] = &t
	return &t, nil
}

func (s *FileStore) saveLocked(t *threadFile) error {
	if s.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(t.ThreadID), data, 0644)
}
