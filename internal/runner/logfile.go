package runner

import (
	"fmt"
	"os"
	"strconv"
)

const (
	defaultMaxLogBytes = 1 << 20 // 1 MiB
	defaultMaxBackups  = 3
)

// rotateLog renames logPath through logPath.1 .. logPath.<maxBackups> if
// logPath already exceeds maxBytes, oldest backup dropped (spec §4.6.1).
// Grounded on the teacher's subprocess.go tailBuffer discipline of bounding
// unbounded growth, generalized here to whole-file rotation.
func rotateLog(logPath string, maxBytes int64, maxBackups int) error {
	if maxBytes <= 0 {
		maxBytes = defaultMaxLogBytes
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	info, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat log %s: %w", logPath, err)
	}
	if info.Size() < maxBytes {
		return nil
	}

	oldest := logPath + "." + strconv.Itoa(maxBackups)
	os.Remove(oldest)
	for n := maxBackups - 1; n >= 1; n-- {
		from := logPath + "." + strconv.Itoa(n)
		to := logPath + "." + strconv.Itoa(n+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("rotate %s: %w", from, err)
			}
		}
	}
	if err := os.Rename(logPath, logPath+".1"); err != nil {
		return fmt.Errorf("rotate %s: %w", logPath, err)
	}
	return nil
}
