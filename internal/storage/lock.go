package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/steveyegge/bountyd/internal/types"
)

// PipelineLease is the lease name guarding pipeline runs
const PipelineLease = "pipeline"

// HolderIdentity names this process as a lease holder, as "hostname:pid"
func HolderIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// parseHolder splits a holder identity. ok is false for identities not
// produced by HolderIdentity.
func parseHolder(holder string) (hostname string, pid int, ok bool) {
	i := strings.LastIndex(holder, ":")
	if i <= 0 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(holder[i+1:])
	if err != nil || pid <= 0 {
		return "", 0, false
	}
	return holder[:i], pid, true
}

// RunLease is a held run lease
type RunLease struct {
	store  LeaseStore
	name   string
	runID  string
	holder string
	ttl    time.Duration
}

// AcquireRunLease takes the named lease for runID. A lease that has expired
// is taken over, and so is one whose holder is a dead process on this host.
// It returns ErrLeaseHeld when a live run holds the lease.
func AcquireRunLease(ctx context.Context, store LeaseStore, name, runID string, ttl time.Duration) (*RunLease, error) {
	holder := HolderIdentity()
	current, ok, err := store.AcquireLease(ctx, name, holder, runID, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		hostname, pid, parsed := parseHolder(current.Holder)
		if !parsed || isProcessAlive(pid, hostname) {
			return nil, fmt.Errorf("%w: %s (run %s, expires %s)", ErrLeaseHeld,
				current.Holder, current.RunID, current.ExpiresAt.Format(time.RFC3339))
		}

		slog.Warn("taking over lease from dead process",
			"lease", name, "holder", current.Holder, "run_id", current.RunID)
		took, err := store.TakeOverLease(ctx, name, current.RunID, holder, runID, ttl)
		if err != nil {
			return nil, err
		}
		if !took {
			return nil, fmt.Errorf("%w: lease %s changed hands during takeover", ErrLeaseHeld, name)
		}
	}

	return &RunLease{store: store, name: name, runID: runID, holder: holder, ttl: ttl}, nil
}

// RunID returns the run holding the lease
func (l *RunLease) RunID() string {
	return l.runID
}

// Renew extends the lease by its ttl
func (l *RunLease) Renew(ctx context.Context) error {
	return l.store.RenewLease(ctx, l.name, l.runID, l.ttl)
}

// Heartbeat renews the lease every interval until ctx is done. It calls
// onLost and returns if the lease was taken by someone else.
func (l *RunLease) Heartbeat(ctx context.Context, interval time.Duration, onLost func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Renew(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseHeld) {
				slog.Error("run lease lost", "lease", l.name, "run_id", l.runID)
				if onLost != nil {
					onLost()
				}
				return
			}
			if ctx.Err() == nil {
				slog.Warn("failed to renew run lease", "lease", l.name, "error", err)
			}
		}
	}
}

// Release drops the lease. It uses a fresh context so a canceled run still releases.
func (l *RunLease) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.store.ReleaseLease(ctx, l.name, l.runID)
}

// Describe renders a lease for status output
func Describe(l *types.Lease, now time.Time) string {
	state := "active"
	if !l.ExpiresAt.After(now) {
		state = "expired"
	}
	return fmt.Sprintf("%s held by %s (run %s, since %s, %s until %s)",
		l.Name, l.Holder, l.RunID, l.AcquiredAt.Format(time.RFC3339), state, l.ExpiresAt.Format(time.RFC3339))
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
// Processes on other hosts cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes for existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means it exists but belongs to someone else
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
