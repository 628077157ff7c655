package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Open dispatches on dbspec the way original_source/tcadb.c's tcadbopen
// dispatches on a database URL: a bare path opens a bbolt file, "*" opens
// an in-memory buntdb instance, and "redis://host:port[/index]" dials a
// remote Redis server. Nothing downstream of Open ever needs to know
// which branch fired.
func Open(dbspec string) (DB, error) {
	switch {
	case dbspec == "*":
		return OpenBunt(":memory:")
	case strings.HasPrefix(dbspec, "+"):
		return OpenBunt(strings.TrimPrefix(dbspec, "+"))
	case strings.HasPrefix(dbspec, "redis://"):
		rest := strings.TrimPrefix(dbspec, "redis://")
		addr := rest
		dbIndex := 0
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			addr = rest[:slash]
			n, err := strconv.Atoi(rest[slash+1:])
			if err != nil {
				return nil, fmt.Errorf("db: bad redis db index in %q: %w", dbspec, err)
			}
			dbIndex = n
		}
		return OpenRedis(dbspec, addr, dbIndex)
	default:
		return OpenBolt(dbspec)
	}
}
