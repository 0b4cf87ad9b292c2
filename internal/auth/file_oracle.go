package auth

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"shvbroker/internal/logging"
)

// FileOracle is a PasswordOracle backed by a line-oriented file of
// "user:sha1hex" entries, hot-reloaded on write via fsnotify. It is a
// supplement to InMemoryOracle for operators who want user-specific
// passwords without standing up a full credential store; the oracle
// contract (ShaPassword) is unchanged so the handshake code in
// internal/broker does not know which implementation it is talking to.
type FileOracle struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string][20]byte

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileOracle loads path and starts watching it for changes. Callers
// must call Close when done to stop the watcher goroutine.
func NewFileOracle(path string, logger *slog.Logger) (*FileOracle, error) {
	logger = logging.Default(logger).With("component", "auth.file_oracle")

	fo := &FileOracle{
		path:    path,
		logger:  logger,
		entries: make(map[string][20]byte),
		done:    make(chan struct{}),
	}
	if err := fo.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	fo.watcher = watcher

	go fo.watchLoop()
	return fo, nil
}

func (fo *FileOracle) watchLoop() {
	for {
		select {
		case event, ok := <-fo.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := fo.reload(); err != nil {
				fo.logger.Error("reload users file", "path", fo.path, "error", err)
			} else {
				fo.logger.Info("reloaded users file", "path", fo.path, "users", fo.count())
			}
		case err, ok := <-fo.watcher.Errors:
			if !ok {
				return
			}
			fo.logger.Warn("watcher error", "error", err)
		case <-fo.done:
			return
		}
	}
}

func (fo *FileOracle) reload() error {
	f, err := os.Open(fo.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", fo.path, err)
	}
	defer f.Close()

	entries := make(map[string][20]byte)
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, digestHex, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("%s:%d: expected \"user:sha1hex\"", fo.path, lineNo)
		}
		raw, err := hex.DecodeString(digestHex)
		if err != nil || len(raw) != 20 {
			return fmt.Errorf("%s:%d: invalid sha1 digest for user %q", fo.path, lineNo, user)
		}
		var digest [20]byte
		copy(digest[:], raw)
		entries[user] = digest
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", fo.path, err)
	}

	fo.mu.Lock()
	fo.entries = entries
	fo.mu.Unlock()
	return nil
}

// ShaPassword implements PasswordOracle. An unknown user returns the
// zero digest, which will not match any password a client can produce.
func (fo *FileOracle) ShaPassword(user string) [20]byte {
	fo.mu.RLock()
	defer fo.mu.RUnlock()
	return fo.entries[user]
}

func (fo *FileOracle) count() int {
	fo.mu.RLock()
	defer fo.mu.RUnlock()
	return len(fo.entries)
}

// Close stops the watcher goroutine.
func (fo *FileOracle) Close() error {
	close(fo.done)
	if fo.watcher != nil {
		return fo.watcher.Close()
	}
	return nil
}
