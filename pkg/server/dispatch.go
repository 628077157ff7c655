package server

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/cuemby/tyrantd/pkg/db"
	"github.com/cuemby/tyrantd/pkg/dispatcher"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/protocol"
	"github.com/cuemby/tyrantd/pkg/protocol/binary"
	"github.com/cuemby/tyrantd/pkg/protocol/httpapi"
	"github.com/cuemby/tyrantd/pkg/protocol/memcached"
	"github.com/cuemby/tyrantd/pkg/wire"
)

// memcachedKeywords is the first-token set spec.md §4.G uses to recognize
// a memcached request once the leading byte wasn't the binary magic.
var memcachedKeywords = map[string]bool{
	"set": true, "add": true, "replace": true, "append": true, "prepend": true,
	"get": true, "gets": true, "delete": true, "incr": true, "decr": true,
	"stats": true, "flush_all": true, "version": true, "quit": true,
}

// Dispatch builds the dispatcher.Handler that sniffs each connection's
// first byte (spec.md §4.G) and routes it to the binary, memcached, or
// HTTP handler. It lives outside pkg/protocol to avoid an import cycle:
// each protocol subpackage imports pkg/protocol for its Context type, so
// the package doing the routing can't be pkg/protocol itself.
func Dispatch(ctx *protocol.Context, connTimeout time.Duration) dispatcher.Handler {
	return func(_ context.Context, nc net.Conn, counters *metrics.CounterBlock) {
		conn := wire.New(nc, connTimeout)

		first, err := conn.ReadByte()
		if err != nil {
			return
		}
		if first == db.BinaryMagic {
			binary.Handle(ctx, conn, counters)
			return
		}

		_ = conn.UnreadByte()
		line, err := conn.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return
		}
		if len(fields) >= 3 && strings.HasPrefix(fields[2], "HTTP/1.") {
			httpapi.Handle(ctx, conn, counters, line)
			return
		}
		if memcachedKeywords[fields[0]] {
			memcached.Handle(ctx, conn, counters, line)
			return
		}
		// Neither protocol recognized the line; spec.md §4.G says to
		// ignore it, which here means dropping the connection.
	}
}
