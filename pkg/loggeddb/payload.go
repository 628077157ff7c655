// Package loggeddb implements the combined apply-then-log critical
// section every mutating Abstract DB operation runs through: acquire the
// record's slot lock, apply to the underlying backend, append the
// operation to the update log, release. Grounded on
// original_source/tculog.c's tculogadbput family and spec.md §4.D.
package loggeddb

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/tyrantd/pkg/db"
)

// encodePayload builds an update log payload: magic, command byte, each
// arg as a u32 length prefix followed by its bytes, then a trailing
// success byte (0 success, 1 failure), matching spec.md §4.D step 3.
func encodePayload(cmd db.Cmd, success bool, args ...[]byte) []byte {
	size := 2 + 1
	for _, a := range args {
		size += 4 + len(a)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, db.BinaryMagic, byte(cmd))
	for _, a := range args {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(a)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, a...)
	}
	if success {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
	}
	return buf
}

// decodedPayload is a parsed update log payload, ready for Redo.
type decodedPayload struct {
	cmd     db.Cmd
	args    [][]byte
	success bool
}

func decodePayload(payload []byte) (decodedPayload, error) {
	if len(payload) < 2 {
		return decodedPayload{}, fmt.Errorf("loggeddb: payload too short")
	}
	if payload[0] != db.BinaryMagic {
		return decodedPayload{}, fmt.Errorf("loggeddb: bad payload magic %#x", payload[0])
	}
	cmd := db.Cmd(payload[1])
	rest := payload[2:]
	var args [][]byte
	for len(rest) > 1 {
		if len(rest) < 4 {
			return decodedPayload{}, fmt.Errorf("loggeddb: truncated arg length")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return decodedPayload{}, fmt.Errorf("loggeddb: truncated arg body")
		}
		args = append(args, rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 1 {
		return decodedPayload{}, fmt.Errorf("loggeddb: missing success byte")
	}
	return decodedPayload{cmd: cmd, args: args, success: rest[0] == 0}, nil
}
