// Package history keeps the bounded rolling transcript of each user, scoped by
// direct message or guild.
package history

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sigumaa/pigeon/internal/lrumap"
)

const DefaultLimit = 200

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Entry struct {
	Role    Role
	Content string
}

type Key struct {
	Scope  string
	UserID string
}

// ScopeKey returns "dm-<userID>" for direct messages and the guild id otherwise.
func ScopeKey(guildID string, userID string) string {
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return "dm-" + strings.TrimSpace(userID)
	}
	return guildID
}

// Buffer is owned by one (scope, user) pair. All mutations are serialized.
type Buffer struct {
	limit int

	mu      sync.Mutex
	entries []Entry
}

func newBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Push appends the entry and drops the oldest entries until the limit holds.
func (b *Buffer) Push(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushLocked(entry)
}

func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Buffer) pushLocked(entry Entry) {
	b.entries = append(b.entries, entry)
	if over := len(b.entries) - b.limit; over > 0 {
		kept := make([]Entry, b.limit)
		copy(kept, b.entries[over:])
		b.entries = kept
	}
}

func (b *Buffer) snapshotLocked() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

type Store struct {
	limit   int
	buffers *lrumap.Map[Key, *Buffer]
}

// NewStore creates a store whose buffers hold at most limit entries.
// maxBuffers <= 0 keeps every buffer for the process lifetime.
func NewStore(limit int, maxBuffers int) (*Store, error) {
	if limit <= 0 {
		return nil, errors.New("history limit must be positive")
	}
	buffers, err := lrumap.New[Key, *Buffer](maxBuffers)
	if err != nil {
		return nil, fmt.Errorf("create history buffers: %w", err)
	}
	return &Store{limit: limit, buffers: buffers}, nil
}

func (s *Store) Limit() int {
	return s.limit
}

// Ensure returns the buffer for (scope, user), creating it on first use.
func (s *Store) Ensure(scope string, userID string) *Buffer {
	return s.buffers.GetOrCreate(Key{Scope: scope, UserID: userID}, func() *Buffer {
		return newBuffer(s.limit)
	})
}

// Append pushes entry and returns the resulting transcript. Both steps run
// under the buffer lock so concurrent appends never observe each other halfway.
func (s *Store) Append(scope string, userID string, entry Entry) []Entry {
	b := s.Ensure(scope, userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pushLocked(entry)
	return b.snapshotLocked()
}

// Snapshot returns a copy of the transcript, or nil when none exists.
func (s *Store) Snapshot(scope string, userID string) []Entry {
	b, ok := s.buffers.Get(Key{Scope: scope, UserID: userID})
	if !ok {
		return nil
	}
	return b.Snapshot()
}

func (s *Store) Len(scope string, userID string) int {
	b, ok := s.buffers.Get(Key{Scope: scope, UserID: userID})
	if !ok {
		return 0
	}
	return b.Len()
}

// Clear drops the transcript of (scope, user) and reports whether one existed.
func (s *Store) Clear(scope string, userID string) bool {
	return s.buffers.Delete(Key{Scope: scope, UserID: userID})
}
