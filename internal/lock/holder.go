package lock

import (
	"fmt"
	"os"
	"strings"
	"time"
)

func holderLine() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("pid=%d host=%s since=%s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
}

// Holder returns the holder line written by the process that last took the
// lock at path, or "" when it cannot be read.
func Holder(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
