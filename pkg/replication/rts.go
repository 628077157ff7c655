package replication

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readRTS reads the last applied replication timestamp from path. A
// missing file is not an error: it means replication has never
// progressed, so the caller starts from timestamp 0.
func readRTS(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("replication: read rts %s: %w", path, err)
	}
	ts, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("replication: parse rts %s: %w", path, err)
	}
	return ts, nil
}

// writeRTS persists ts to path, replacing the file's contents. A
// write-then-rename would be the fully crash-safe version; tyrantd
// accepts the smaller window original_source/ttserver.c itself accepts,
// since a torn RTS write just costs a few seconds of reapplied entries on
// next restart, never corruption.
func writeRTS(path string, ts uint64) error {
	return os.WriteFile(path, []byte(strconv.FormatUint(ts, 10)), 0o644)
}
