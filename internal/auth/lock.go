package auth

import (
	"fmt"
	"os"
	"syscall"
)

// acquireFileLock takes an exclusive flock(2) on a ".lock" sibling of path,
// serializing store writers across processes. The lock file is left in place
// so waiters never race a removal. Release with releaseFileLock.
func acquireFileLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", f.Name(), err)
	}
	return f, nil
}

func releaseFileLock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
