package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// currentGID parses the goroutine id out of the first runtime.Stack
// line ("goroutine 18 [running]:"). Used only by the affinity guard.
func currentGID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}

	gid, err := strconv.ParseUint(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return gid
}
