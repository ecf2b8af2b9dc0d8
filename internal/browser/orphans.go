// ABOUTME: Detects stale browser profile locks and kills browsers still holding a profile
// ABOUTME: Scans /proc for processes launched with the tenant's user data directory

package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// lockMarkers are substrings browsers print when a profile is already in use.
var lockMarkers = []string{
	"already running",
	"directory in use",
	"singletonlock",
	"processsingleton",
}

// lockFiles are left behind in a profile by a browser that did not exit cleanly.
var lockFiles = []string{"SingletonLock", "SingletonSocket", "SingletonCookie"}

func isProfileLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range lockMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// KillOrphans kills every process whose command line names profileDir as its
// user data directory, then removes stale singleton lock files.
func KillOrphans(ctx context.Context, profileDir string) error {
	return killOrphansIn(ctx, "/proc", profileDir)
}

func killOrphansIn(ctx context.Context, procRoot, profileDir string) error {
	var errs []error

	pids, err := findProfilePIDs(procRoot, profileDir)
	if err != nil {
		errs = append(errs, err)
	}
	for _, pid := range pids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("killing pid %d: %w", pid, err))
		}
	}

	for _, name := range lockFiles {
		if err := os.Remove(filepath.Join(profileDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func findProfilePIDs(procRoot, profileDir string) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", procRoot, err)
	}

	needle := []byte("--user-data-dir=" + profileDir)
	self := os.Getpid()

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join(procRoot, entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		for _, arg := range bytes.Split(cmdline, []byte{0}) {
			if bytes.Equal(arg, needle) {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids, nil
}
