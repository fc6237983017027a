package spellconfig

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grimoirehq/grimoire/internal/backoff"
)

// CredentialStore is a secondary .env-like file of KEY=value lines, read
// through Get (with an in-process cache invalidated on file mtime change)
// and written through Set. ExpandEnvVar does not consult it: ${NAME}
// placeholders resolve from the process environment only. Writes are
// serialized across processes through an
// mkdir-based lock with bounded retry, exponential backoff, and
// stale-lock breaking, per §5 and §9 P7.
type CredentialStore struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger

	cacheMu  sync.RWMutex
	cache    map[string]string
	cacheAge time.Time
}

// NewCredentialStore returns a store backed by the .env-like file at path.
func NewCredentialStore(path string, logger *slog.Logger) *CredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{path: path, logger: logger.With("component", "credstore")}
}

// lockDirFor returns the mkdir-lock directory path for a credential
// store file, following the same one-lock-per-resource naming the
// teacher's gateway singleton lock uses (a derived sibling path, not a
// shared global lock directory).
func lockDirFor(path string) string {
	return path + ".lock"
}

const (
	lockMaxAttempts = 20
	lockStaleAfter  = 30 * time.Second
)

// acquireLock takes the mkdir-based lock, retrying with exponential
// backoff and jitter (internal/backoff's default policy) until it
// succeeds, a stale lock is broken, or attempts are exhausted.
func (c *CredentialStore) acquireLock() (release func(), err error) {
	lockDir := lockDirFor(c.path)
	policy := backoff.DefaultPolicy()

	for attempt := 1; attempt <= lockMaxAttempts; attempt++ {
		if err := os.Mkdir(lockDir, 0o700); err == nil {
			pidPath := filepath.Join(lockDir, "pid")
			_ = os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
			return func() { _ = os.RemoveAll(lockDir) }, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("credstore: acquire lock: %w", err)
		}

		if info, statErr := os.Stat(lockDir); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			if !lockOwnerAlive(lockDir) {
				c.logger.Warn("breaking stale credential store lock", "path", lockDir)
				_ = os.RemoveAll(lockDir)
				continue
			}
		}

		time.Sleep(backoff.ComputeBackoff(policy, attempt))
	}
	return nil, fmt.Errorf("credstore: could not acquire lock after %d attempts", lockMaxAttempts)
}

func lockOwnerAlive(lockDir string) bool {
	data, err := os.ReadFile(filepath.Join(lockDir, "pid"))
	if err != nil {
		return false
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Get reads a single key, refreshing the in-process cache if the file's
// mtime has changed since it was last loaded.
func (c *CredentialStore) Get(key string) (string, bool) {
	c.refreshCacheIfStale()
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

func (c *CredentialStore) refreshCacheIfStale() {
	info, err := os.Stat(c.path)
	if err != nil {
		return
	}
	c.cacheMu.RLock()
	stale := info.ModTime().After(c.cacheAge)
	c.cacheMu.RUnlock()
	if !stale {
		return
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	cache := parseEnvLines(data)

	c.cacheMu.Lock()
	c.cache = cache
	c.cacheAge = info.ModTime()
	c.cacheMu.Unlock()
}

// Set writes key=value into the store, serialized through the mkdir
// lock. Concurrent Set calls from multiple processes never lose writes:
// the final file contains exactly one line per distinct key (§8 P7).
func (c *CredentialStore) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	release, err := c.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	lines := make(map[string]string)
	if data, err := os.ReadFile(c.path); err == nil {
		lines = parseEnvLines(data)
	}
	lines[key] = value

	var sb strings.Builder
	for k, v := range lines {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
		sb.WriteByte('\n')
	}

	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("credstore: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("credstore: write temp: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("credstore: rename: %w", err)
	}
	return nil
}

func parseEnvLines(data []byte) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		out[line[:idx]] = line[idx+1:]
	}
	return out
}
