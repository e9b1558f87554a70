package core

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
)

// NewLogger returns a logger which prefixes every line with the component name, and optionally a subcomponent.
//
//	2024/06/30 00:56:06 [engine] (beacon) message
func NewLogger(prefix string, prefix2 string) *log.Logger {
	prefixFull := color.HiGreenString(fmt.Sprintf("[%s] ", prefix))
	if prefix2 != "" {
		prefixFull += color.HiYellowString(fmt.Sprintf("(%s) ", prefix2))
	}
	return log.New(os.Stdout, prefixFull, log.Ldate|log.Ltime|log.Lmsgprefix)
}

// Uint64Bytes encodes v as 8 big-endian bytes.
func Uint64Bytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func PadBytes(src []byte, length int) []byte {
	if len(src) >= length {
		return src
	}
	padding := make([]byte, length-len(src))
	return append(padding, src...)
}
