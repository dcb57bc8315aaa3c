package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

type secretState struct {
	want   [32]byte
	enable bool
}

// FileSecret matches against the contents of a file, reloading it whenever
// the file changes. Surrounding whitespace is ignored. If a reload fails
// the previous secret stays in effect.
type FileSecret struct {
	path string
	d    digester
	cur  atomic.Pointer[secretState]
	log  *slog.Logger

	w    *fsnotify.Watcher
	done chan struct{}
}

// NewFileSecret loads path and watches it until ctx is cancelled or Close
// is called. The parent directory is watched so that atomic replacements
// (write to temp file, rename over) are picked up.
func NewFileSecret(ctx context.Context, path string, logHandler slog.Handler) (*FileSecret, error) {
	h := slog.DiscardHandler
	if logHandler != nil {
		h = logHandler
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve secret path: %w", err)
	}

	fs := &FileSecret{path: abs, d: newDigester(), log: slog.New(h), done: make(chan struct{})}
	if err := fs.Reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	fs.w = w

	go fs.watch(ctx)
	return fs, nil
}

// Reload re-reads the secret file.
func (fs *FileSecret) Reload() error {
	b, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(b))
	fs.cur.Store(&secretState{want: fs.d.sum(secret), enable: secret != ""})
	return nil
}

func (fs *FileSecret) Match(presented string) bool {
	st := fs.cur.Load()
	eq := fs.d.equal(st.want, presented)
	return eq && st.enable
}

// Close stops watching. The last loaded secret remains usable.
func (fs *FileSecret) Close() error {
	if fs.w == nil {
		return nil
	}
	err := fs.w.Close()
	<-fs.done
	return err
}

func (fs *FileSecret) watch(ctx context.Context) {
	defer close(fs.done)
	for {
		select {
		case <-ctx.Done():
			_ = fs.w.Close()
			return
		case ev, ok := <-fs.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != fs.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			if err := fs.Reload(); err != nil {
				fs.log.WarnContext(ctx, "identity.secret.reload.err", slog.String("path", fs.path), slog.String("err", err.Error()))
				continue
			}
			fs.log.InfoContext(ctx, "identity.secret.reloaded", slog.String("path", fs.path))
		case err, ok := <-fs.w.Errors:
			if !ok {
				return
			}
			fs.log.DebugContext(ctx, "identity.secret.watch.err", slog.String("err", err.Error()))
		}
	}
}
