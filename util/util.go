package util

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Debug is the logging verbosity. Messages with a level above Debug are
// suppressed. Set LLFS_DEBUG to raise it.
var Debug uint64 = 1

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelDebug,
}))

func init() {
	if v, err := strconv.ParseUint(os.Getenv("LLFS_DEBUG"), 10, 64); err == nil {
		Debug = v
	}
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		logger.Debug(fmt.Sprintf(format, a...))
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz * sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
