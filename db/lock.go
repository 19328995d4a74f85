package db

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/storepath"
	"golang.org/x/sys/unix"
)

// how often a blocked lock attempt is retried
const lockPoll = 10 * time.Millisecond

// Lock is an exclusive advisory lock on one entry id, shared with
// other processes using the same store.
type Lock struct {
	fh *os.File
}

// Lock blocks until it holds the lock for id or ctx is done.
func (db *Db) Lock(ctx context.Context, id storepath.ID) (lock *Lock, err error) {
	defer Return(&err)
	fn := filepath.Join(db.Dir, "lock", string(id))
	fh, err := os.OpenFile(fn, os.O_CREATE|os.O_RDWR, 0644)
	Ck(err)
	for {
		err = unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{fh: fh}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			fh.Close()
			return nil, err
		}
		select {
		case <-ctx.Done():
			fh.Close()
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

// Unlock releases the lock.  The lock file itself is left in place.
func (lock *Lock) Unlock() (err error) {
	if lock == nil || lock.fh == nil {
		return
	}
	err = unix.Flock(int(lock.fh.Fd()), unix.LOCK_UN)
	lock.fh.Close()
	lock.fh = nil
	return
}
