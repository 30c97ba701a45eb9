package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/agora/internal/errs"
)

// TokenFile resolves tokens from a JSON object {"<token>": "<user id>"} and
// reloads it whenever the file changes on disk.
type TokenFile struct {
	path string

	mu     sync.RWMutex
	tokens map[string]string

	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
}

// OpenTokenFile loads path, creating an empty file if it does not exist,
// and starts watching it.
func OpenTokenFile(path string) (*TokenFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			return nil, fmt.Errorf("create tokens file: %w", err)
		}
	}

	t := &TokenFile{path: path, closed: make(chan struct{})}
	if err := t.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	t.watcher = watcher
	go t.watchLoop()
	return t, nil
}

func (t *TokenFile) reload() error {
	b, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	tokens := map[string]string{}
	if err := json.Unmarshal(b, &tokens); err != nil {
		return fmt.Errorf("parse %s: %w", t.path, err)
	}
	t.mu.Lock()
	t.tokens = tokens
	t.mu.Unlock()
	log.Infof("loaded %d tokens from %s", len(tokens), t.path)
	return nil
}

func (t *TokenFile) watchLoop() {
	name := filepath.Clean(t.path)
	for {
		select {
		case <-t.closed:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if err := t.reload(); err != nil {
					log.Warnf("hot reload failed, keeping previous tokens: %v", err)
				}
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (t *TokenFile) ResolveUser(_ context.Context, token string) (string, error) {
	t.mu.RLock()
	user, ok := t.tokens[token]
	t.mu.RUnlock()
	if !ok || user == "" {
		return "", errs.Unauthenticated("unknown token")
	}
	return user, nil
}

// Len returns the number of loaded tokens.
func (t *TokenFile) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tokens)
}

func (t *TokenFile) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		if t.watcher != nil {
			err = t.watcher.Close()
		}
	})
	return err
}
