// Package instance makes sure only one daemon runs per node id and state
// directory.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/rkt/rkt/pkg/lock"
)

// ErrRunning is returned by Acquire when another process holds the lock.
var ErrRunning = errors.New("another instance is running")

// Lock is a held instance lock.
type Lock struct {
	path string
	lock *lock.FileLock
	l    log15.Logger
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Path returns the lock file for the node with the given id under dir.
func Path(dir string, id byte) string {
	return filepath.Join(dir, fmt.Sprintf("node-%02x.lock", id))
}

// Acquire takes the instance lock for node id under dir without blocking, and
// records the current pid in the lock file. It fails with ErrRunning if the
// lock is held elsewhere.
func Acquire(l log15.Logger, dir string, id byte) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create state dir %s", dir)
	}
	path := Path(dir, id)
	l = l.New("lock", path)
	if err := touchFile(path); err != nil {
		return nil, err
	}
	fl, err := lock.TryExclusiveLock(path, lock.RegFile)
	if err == lock.ErrLocked {
		pid, _ := os.ReadFile(path)
		return nil, errors.Wrapf(ErrRunning, "pid %s holds %s", pid, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to lock %s", path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		fl.Unlock()
		return nil, errors.Wrap(err, "unable to record pid")
	}
	l.Info("took instance lock")
	return &Lock{path: path, lock: fl, l: l}, nil
}

// Release drops the lock. The lock file is left in place.
func (k *Lock) Release() error {
	k.l.Info("releasing instance lock")
	return k.lock.Unlock()
}
