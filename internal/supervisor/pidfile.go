package supervisor

import (
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// writePIDFile records the child PID atomically so a later run can reclaim an
// orphan after a crash.
func writePIDFile(path string, pid int) error {
	return renameio.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func readPIDFile(path string) (int, bool) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path under our data dir
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func removePIDFile(path string) {
	_ = os.Remove(path)
}
