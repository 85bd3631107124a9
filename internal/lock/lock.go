// Package lock implements the process lock, per-state-file short locks,
// and per-repo locks. All three use the same O_EXCL-plus-liveness-probe
// primitive; no serialization library in the corpus offers this, and
// it is the mechanism the orchestrator's locking design mandates.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/errtype"
)

// ErrHeldByLivePID is returned when a lock file names a still-running
// foreign process.
var ErrHeldByLivePID = errors.New("lock held by live process")

// Handle represents an acquired lock; Release removes the lock file.
// Release is safe to call more than once.
type Handle struct {
	path     string
	released bool
}

// Release deletes the lock file. Call on every exit path, including error
// paths, typically via defer immediately after a successful acquire.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "releasing lock %s", h.path)
	}
	return nil
}

// AcquireProcessLock creates path exclusively and writes the current PID.
// If the file exists and its PID is alive, returns ErrHeldByLivePID
// wrapped as a Configuration error with the foreign PID named. If the
// holder is dead, the stale lock is reclaimed and acquisition retried once.
func AcquireProcessLock(path string) (*Handle, error) {
	h, err := tryCreate(path)
	if err == nil {
		return h, nil
	}
	if !os.IsExist(err) {
		return nil, errors.Wrapf(err, "creating process lock %s", path)
	}

	pid, readErr := readPID(path)
	if readErr != nil {
		return nil, errtype.Wrap(errtype.StateCorruption, readErr, "reading existing lock "+path)
	}
	if isLive(pid) {
		return nil, errtype.Wrap(errtype.Configuration,
			fmt.Errorf("%w: pid %d", ErrHeldByLivePID, pid),
			"process lock "+path+" held by a live process")
	}
	// Stale holder: reclaim.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "removing stale lock %s", path)
	}
	return tryCreate(path)
}

// ShortLockOptions configures the bounded-retry acquisition used for
// per-state-file and per-repo locks.
type ShortLockOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultStateLockOptions matches the durable-store short-lock contract:
// 2s timeout, 50ms polling.
func DefaultStateLockOptions() ShortLockOptions {
	return ShortLockOptions{Timeout: 2 * time.Second, PollInterval: 50 * time.Millisecond}
}

// DefaultRepoLockOptions matches the per-repo lock contract: 5m timeout,
// 100ms fixed polling (no exponential backoff).
func DefaultRepoLockOptions() ShortLockOptions {
	return ShortLockOptions{Timeout: 5 * time.Minute, PollInterval: 100 * time.Millisecond}
}

// Acquire takes a short lock at path, retrying on contention until
// opts.Timeout elapses. A lock held by a dead PID is reclaimed
// immediately rather than waited out.
func Acquire(path string, opts ShortLockOptions) (*Handle, error) {
	deadline := time.Now().Add(opts.Timeout)
	for {
		h, err := tryCreate(path)
		if err == nil {
			return h, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrapf(err, "creating lock %s", path)
		}

		if pid, readErr := readPID(path); readErr == nil && !isLive(pid) {
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, errtype.New(errtype.LockContention, "timed out acquiring lock "+path)
		}
		time.Sleep(opts.PollInterval)
	}
}

// RepoLockPath returns the deterministic lock path for a repo under
// category ("repo-locks" or "git-cache-locks"), so callers acquiring
// multiple repo locks in lexicographic owner/repo order cannot deadlock.
func RepoLockPath(stateDir, category, owner, repo string) string {
	return stateDir + "/" + category + "/" + sanitize(owner) + "--" + sanitize(repo) + ".lock"
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

func tryCreate(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &Handle{path: path}, nil
}

func readPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, errors.Wrapf(err, "lock file %s does not contain a PID", path)
	}
	return pid, nil
}

// isLive probes a PID without sending a real signal (signal 0).
func isLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
