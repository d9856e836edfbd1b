package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// KeyWatcher reloads the signing key when its file changes. It watches the parent
// directory so editors that replace the file and mounted secrets that swap a
// symlink are both picked up. A reload that fails keeps the previous key.
type KeyWatcher struct {
	client *Client
	src    KeySource

	mu       sync.Mutex
	lastHash [sha256.Size]byte

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewKeyWatcher creates a watcher for src.File that installs reloaded keys on client.
func NewKeyWatcher(client *Client, src KeySource) (*KeyWatcher, error) {
	if src.File == "" {
		return nil, errors.New("key watcher requires a private key file")
	}
	return &KeyWatcher{
		client: client,
		src:    src,
		stopCh: make(chan struct{}),
	}, nil
}

// Reload reads the key file and installs it if its contents changed.
func (w *KeyWatcher) Reload() error {
	data, err := os.ReadFile(w.src.File)
	if err != nil {
		return fmt.Errorf("failed to read private key file: %w", err)
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	defer w.mu.Unlock()
	if bytes.Equal(sum[:], w.lastHash[:]) && w.client.Ready() {
		return nil
	}

	key, err := LoadKey(w.src)
	if err != nil {
		return err
	}
	w.client.SetKey(key)
	w.lastHash = sum
	slog.Info("agent signing key loaded", "file", w.src.File, "bits", key.N.BitLen())
	return nil
}

// Start begins watching. Events are handled until ctx is done or Stop is called.
func (w *KeyWatcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(w.src.File)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watcher = fw
	log.Printf("Watching agent private key file %s for changes", w.src.File)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fw.Close()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := w.Reload(); err != nil {
					slog.Warn("agent signing key reload failed, keeping previous key",
						"file", w.src.File, "event", ev.Op.String(), "error", err)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("agent key watcher error", "error", err)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *KeyWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
