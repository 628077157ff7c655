// Package httpapi implements the HTTP/1.1 subset of spec.md §4.G/§4.I:
// GET/HEAD/PUT/POST/DELETE/OPTIONS over urlencoded keys, built directly
// on the already-sniffed wire.Conn rather than net/http.Server, since the
// listening socket is shared across all three wire protocols and the
// first request line has already been read by the dispatcher's sniff.
// Grounded on spec.md §4.G/§6 and the status/header mapping it specifies;
// no teacher analogue (cuemby-warren speaks gRPC, not a hand-rolled HTTP
// subset), so this package's framing is new code written in the
// project's plain-struct, explicit-error style.
package httpapi

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tyrantd/pkg/errcode"
	"github.com/cuemby/tyrantd/pkg/metrics"
	"github.com/cuemby/tyrantd/pkg/protocol"
	"github.com/cuemby/tyrantd/pkg/wire"
)

var statusText = map[int]string{
	200: "OK", 201: "Created", 404: "Not Found", 409: "Conflict",
	400: "Bad Request", 500: "Internal Server Error",
}

// request is one parsed HTTP request line plus headers.
type request struct {
	method   string
	rawPath  string
	version  string
	headers  map[string]string
	keepLive bool
}

// Handle drives one HTTP connection starting from its already-read
// request line (the dispatcher's sniff matched `HTTP/1.` as the line's
// third token). It serves requests until the connection isn't
// keep-alive, the client disconnects, or a transport error occurs.
func Handle(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, firstLine string) {
	line := firstLine
	for {
		req, ok := parseRequestLine(line)
		if !ok {
			send(conn, 400, "text/plain", []byte("bad request line"))
			return
		}
		if !readHeaders(conn, &req) {
			return
		}
		if !serve(ctx, conn, counters, req) {
			return
		}
		if !req.keepLive {
			return
		}
		next, err := conn.ReadLine()
		if err != nil {
			return
		}
		if strings.TrimSpace(next) == "" {
			// Tolerate a stray blank line between keep-alive requests.
			next, err = conn.ReadLine()
			if err != nil {
				return
			}
		}
		line = next
	}
}

func parseRequestLine(line string) (request, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/1.") {
		return request{}, false
	}
	return request{
		method:  fields[0],
		rawPath: fields[1],
		version: fields[2],
		headers: make(map[string]string),
	}, true
}

func readHeaders(conn *wire.Conn, req *request) bool {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return false
		}
		if line == "" {
			break
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := strings.TrimSpace(line[:colon])
		val := strings.TrimSpace(line[colon+1:])
		req.headers[strings.ToLower(key)] = val
	}
	req.keepLive = req.version == "HTTP/1.1" && strings.ToLower(req.headers["connection"]) != "close"
	return true
}

func send(conn *wire.Conn, status int, contentType string, body []byte) bool {
	return sendHeaders(conn, status, map[string]string{"Content-Type": contentType}, body)
}

func sendHeaders(conn *wire.Conn, status int, headers map[string]string, body []byte) bool {
	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	if err := conn.Send([]byte(b.String())); err != nil {
		return false
	}
	if len(body) == 0 {
		return true
	}
	return conn.Send(body) == nil
}

// serve dispatches one already-parsed request, returning false only on a
// transport error (logical failures still write a response and return
// true, per spec.md §8's "each pipelined request receives its response").
func serve(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, req request) bool {
	key, err := url.QueryUnescape(strings.TrimPrefix(req.rawPath, "/"))
	if err != nil {
		return send(conn, 400, "text/plain", []byte("bad key encoding"))
	}
	switch req.method {
	case "GET":
		return serveGet(ctx, conn, counters, key, false)
	case "HEAD":
		return serveGet(ctx, conn, counters, key, true)
	case "PUT":
		return servePut(ctx, conn, counters, key, req)
	case "POST":
		return servePost(ctx, conn, counters, key, req)
	case "DELETE":
		return serveDelete(ctx, conn, counters, key)
	case "OPTIONS":
		return serveOptions(ctx, conn)
	default:
		return send(conn, 400, "text/plain", []byte("unsupported method"))
	}
}

// serveGet implements GET and HEAD (spec.md §4.G): GET never mutates the
// DB or the update log, satisfying invariant 8.
func serveGet(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, key string, headOnly bool) bool {
	val, ok, _ := ctx.DB.Backend().Get([]byte(key))
	if !ok {
		counters.Miss(metrics.CmdGet)
		return send(conn, 404, "text/plain", nil)
	}
	counters.Hit(metrics.CmdGet)
	if headOnly {
		return sendHeaders(conn, 200, map[string]string{"Content-Type": "application/octet-stream"}, nil)
	}
	return send(conn, 200, "application/octet-stream", val)
}

// servePut implements PUT with X-TT-PDMODE choosing put (0, the
// default)/putkeep (1)/putcat (2), per spec.md §4.G.
func servePut(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, key string, req request) bool {
	n, _ := strconv.Atoi(req.headers["content-length"])
	body, err := conn.ReadFull(n)
	if err != nil {
		return false
	}
	mode := req.headers["x-tt-pdmode"]

	var applyErr error
	idx := metrics.CmdPut
	switch mode {
	case "1":
		idx = metrics.CmdPutKeep
		applyErr = ctx.DB.PutKeep([]byte(key), body, ctx.Sid)
	case "2":
		idx = metrics.CmdPutCat
		applyErr = ctx.DB.PutCat([]byte(key), body, ctx.Sid)
	default:
		applyErr = ctx.DB.Put([]byte(key), body, ctx.Sid)
	}
	if applyErr != nil {
		counters.Miss(idx)
		if errcode.CodeOf(applyErr) == errcode.KeepExisting {
			return send(conn, 409, "text/plain", nil)
		}
		return send(conn, 500, "text/plain", []byte(applyErr.Error()))
	}
	counters.Hit(idx)
	return send(conn, 201, "text/plain", nil)
}

// servePost implements the script-extension (X-TT-XNAME) and misc
// (X-TT-MNAME) call hooks of spec.md §4.G. tyrantd carries no script
// engine body (spec.md §1's opaque-handle Non-goal), so X-TT-XNAME always
// reports failure after draining its body; X-TT-MNAME reaches the
// Abstract DB's Misc extension hook with form-decoded values.
func servePost(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, key string, req request) bool {
	n, _ := strconv.Atoi(req.headers["content-length"])
	body, err := conn.ReadFull(n)
	if err != nil {
		return false
	}
	if name := req.headers["x-tt-xname"]; name != "" {
		counters.Miss(metrics.CmdExt)
		return send(conn, 500, "text/plain", []byte("no script extension configured"))
	}
	if name := req.headers["x-tt-mname"]; name != "" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return send(conn, 400, "text/plain", []byte("bad form body"))
		}
		args := [][]byte{[]byte(key)}
		for k, vs := range form {
			for _, v := range vs {
				args = append(args, []byte(k+"="+v))
			}
		}
		results, err := ctx.DB.Backend().Misc(name, args)
		if err != nil {
			counters.Miss(metrics.CmdMisc)
			return send(conn, 500, "text/plain", []byte(err.Error()))
		}
		counters.Hit(metrics.CmdMisc)
		return send(conn, 200, "application/octet-stream", joinResults(results))
	}
	return send(conn, 400, "text/plain", []byte("missing X-TT-XNAME or X-TT-MNAME"))
}

func joinResults(results [][]byte) []byte {
	var out []byte
	for i, r := range results {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, r...)
	}
	return out
}

func serveDelete(ctx *protocol.Context, conn *wire.Conn, counters *metrics.CounterBlock, key string) bool {
	err := ctx.DB.Out([]byte(key), ctx.Sid)
	if err != nil {
		counters.Miss(metrics.CmdOut)
		if errcode.CodeOf(err) == errcode.NoRecord {
			return send(conn, 404, "text/plain", nil)
		}
		return send(conn, 500, "text/plain", []byte(err.Error()))
	}
	counters.Hit(metrics.CmdOut)
	return send(conn, 200, "text/plain", nil)
}

// serveOptions advertises the allowed methods and the X-TT-* identity
// headers spec.md §6 lists, never touching the DB (invariant 8).
func serveOptions(ctx *protocol.Context, conn *wire.Conn) bool {
	rnum, _ := ctx.DB.Backend().RNum()
	size, _ := ctx.DB.Backend().Size()
	headers := map[string]string{
		"Allow":          "GET, HEAD, PUT, POST, DELETE, OPTIONS",
		"X-TT-VERSION":   protocol.Version,
		"X-TT-LIBVER":    protocol.Version,
		"X-TT-PROTVER":   "1.1",
		"X-TT-OS":        runtime.GOOS,
		"X-TT-TIME":      strconv.FormatInt(time.Now().Unix(), 10),
		"X-TT-PID":       strconv.Itoa(ctx.Pid),
		"X-TT-SID":       strconv.Itoa(int(ctx.Sid)),
		"X-TT-TYPE":      ctx.DB.Backend().Mode().String(),
		"X-TT-PATH":      ctx.DB.Backend().Path(),
		"X-TT-RNUM":      strconv.FormatUint(rnum, 10),
		"X-TT-SIZE":      strconv.FormatUint(size, 10),
		"X-TT-BIGEND":    "1",
		"X-TT-FD":        "-1",
		"X-TT-LOADAVG":   loadAvg(),
		"X-TT-MEMSIZE":   "0",
		"X-TT-MEMRSS":    "0",
		"X-TT-RU_REAL":   fmt.Sprintf("%.6f", ctx.Uptime().Seconds()),
		"X-TT-RU_USER":   "0.000000",
		"X-TT-RU_SYS":    "0.000000",
	}
	if ctx.MasterHost != "" {
		headers["X-TT-MHOST"] = ctx.MasterHost
		headers["X-TT-MPORT"] = strconv.Itoa(ctx.MasterPort)
	}
	return sendHeaders(conn, 200, headers, nil)
}

// loadAvg reads Linux's 1-minute load average from /proc/loadavg; any
// other platform (or a read failure) reports 0, since X-TT-LOADAVG is an
// informational header and never affects behavior.
func loadAvg() string {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return "0.00"
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return "0.00"
}
