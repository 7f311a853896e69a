package correlator

import (
	"fmt"
	"os"
	"time"
)

const (
	lockAttempts = 5
	lockRetry    = 100 * time.Millisecond
)

// acquireLock takes an exclusive lock file, retrying a few times before
// giving up. The returned function releases it. O_EXCL creation makes the
// lock safe across processes sharing the shard directory.
func acquireLock(path string) (func(), error) {
	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		lastErr = err
		time.Sleep(lockRetry)
	}
	return nil, fmt.Errorf("acquire lock %s: %w", path, lastErr)
}
