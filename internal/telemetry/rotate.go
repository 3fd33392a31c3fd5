package telemetry

import (
	"fmt"
	"os"
	"time"
)

// RotateHookLog truncates the operational log at path to a fresh empty file
// once it exceeds maxBytes, preserving the old contents alongside it with a
// timestamp suffix. This log is independent of the durable session store and
// rotates on its own schedule; nothing calls this automatically, it's
// exposed for `athena doctor --rotate-log` and operator-driven cleanup.
func RotateHookLog(path string, maxBytes int64) (rotated bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat hook log: %w", err)
	}
	if info.Size() <= maxBytes {
		return false, nil
	}

	backupPath := fmt.Sprintf("%s.%s", path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, backupPath); err != nil {
		return false, fmt.Errorf("rotate hook log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("recreate hook log: %w", err)
	}
	_ = f.Close()
	return true, nil
}
