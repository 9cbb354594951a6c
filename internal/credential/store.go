package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StorageKey is the well-known key the credential lives under.
const StorageKey = "userToken"

var ErrNoCredential = errors.New("no stored credential")

// Store persists a single bearer credential. Save overwrites, Load returns
// ErrNoCredential when nothing is stored.
type Store interface {
	Save(ctx context.Context, credential string) error
	Load(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// FileStore keeps the credential in a small JSON document on disk, keyed by
// StorageKey. It survives process restarts the way browser local storage
// survives reloads.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultPath returns <user config dir>/go-chat-client/credentials.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chatclient", "credentials.json"), nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Save(_ context.Context, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		// An unreadable document is replaced, last write wins.
		doc = map[string]string{}
	}
	doc[StorageKey] = credential
	return s.write(doc)
}

func (s *FileStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := doc[StorageKey]
	if !ok || v == "" {
		return "", ErrNoCredential
	}
	return v, nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return nil
		}
		// Nothing worth keeping in a corrupt document.
		return removeIfExists(s.path)
	}
	if _, ok := doc[StorageKey]; !ok {
		return nil
	}
	delete(doc, StorageKey)
	if len(doc) == 0 {
		return removeIfExists(s.path)
	}
	return s.write(doc)
}

func (s *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	doc := map[string]string{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse credential file %s: %v", ErrMalformedCredential, s.path, err)
	}
	return doc, nil
}

func (s *FileStore) write(doc map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RedisStore keeps the credential in Redis under prefix+StorageKey.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, key: prefix + StorageKey}
}

func (s *RedisStore) Key() string { return s.key }

func (s *RedisStore) Save(ctx context.Context, credential string) error {
	return s.rdb.Set(ctx, s.key, credential, 0).Err()
}

func (s *RedisStore) Load(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && v == "") {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	value string
	set   bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(_ context.Context, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.set = credential, true
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set || s.value == "" {
		return "", ErrNoCredential
	}
	return s.value, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.set = "", false
	return nil
}
