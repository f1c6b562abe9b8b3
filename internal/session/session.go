// Package session keeps conversation history for sources that do not send
// their own, such as bus channels. Each conversation is one JSONL file.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/KafClaw/agentcore/internal/provider"
)

// DefaultMaxMessages is the history length handed to a new run.
const DefaultMaxMessages = 20

// entry is one persisted line.
type entry struct {
	provider.Message
	Timestamp time.Time `json:"timestamp"`
}

// Session is one conversation.
type Session struct {
	Key       string
	UpdatedAt time.Time

	mu       sync.Mutex
	messages []provider.Message
}

// Info describes a stored conversation.
type Info struct {
	Key       string    `json:"key"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists sessions under dir.
type Store struct {
	dir   string
	max   int
	cache *haxmap.Map[string, *Session]
	mu    sync.Mutex // serializes file writes
}

// NewStore opens (and creates) dir. maxMessages bounds the history
// returned by History; 0 means DefaultMaxMessages.
func NewStore(dir string, maxMessages int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{dir: dir, max: maxMessages, cache: haxmap.New[string, *Session]()}, nil
}

// History returns the last messages of key, oldest first. The first
// returned message is always a user turn.
func (s *Store) History(key string) []provider.Message {
	sess := s.get(key)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	msgs := sess.messages
	if len(msgs) > s.max {
		msgs = msgs[len(msgs)-s.max:]
	}
	for len(msgs) > 0 && msgs[0].Role != provider.RoleUser {
		msgs = msgs[1:]
	}
	out := make([]provider.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Append adds msgs to key and writes them to disk.
func (s *Store) Append(key string, msgs ...provider.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	sess := s.get(key)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, m := range msgs {
		if err := enc.Encode(entry{Message: m, Timestamp: now}); err != nil {
			return fmt.Errorf("write session: %w", err)
		}
	}

	sess.mu.Lock()
	sess.messages = append(sess.messages, msgs...)
	// Keep a little more than max in memory so History can skip to a user turn.
	if extra := len(sess.messages) - 2*s.max; extra > 0 {
		sess.messages = append([]provider.Message(nil), sess.messages[extra:]...)
	}
	sess.UpdatedAt = now
	sess.mu.Unlock()
	return nil
}

// Reset drops the history of key.
func (s *Store) Reset(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Del(key)
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns stored conversations, most recently updated first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		key := unescapeKey(strings.TrimSuffix(e.Name(), ".jsonl"))
		sess := s.get(key)
		sess.mu.Lock()
		out = append(out, Info{Key: key, Messages: len(sess.messages), UpdatedAt: sess.UpdatedAt})
		sess.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) get(key string) *Session {
	sess, _ := s.cache.GetOrCompute(key, func() *Session { return s.load(key) })
	return sess
}

func (s *Store) load(key string) *Session {
	sess := &Session{Key: key}
	f, err := os.Open(s.path(key))
	if err != nil {
		return sess
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		sess.messages = append(sess.messages, e.Message)
		sess.UpdatedAt = e.Timestamp
	}
	if extra := len(sess.messages) - 2*s.max; extra > 0 {
		sess.messages = sess.messages[extra:]
	}
	return sess
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, escapeKey(key)+".jsonl")
}

// escapeKey maps a key to a safe file name. "%" is escaped first so the
// mapping can be reversed.
func escapeKey(key string) string {
	r := strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C", ":", "%3A", "..", "%2E%2E")
	return r.Replace(key)
}

func unescapeKey(name string) string {
	r := strings.NewReplacer("%2E", ".", "%3A", ":", "%5C", "\\", "%2F", "/", "%25", "%")
	return r.Replace(name)
}
