// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package streams serves reassembled connection content: the two half-stream
// chunk sequences of a connection merged back into chronological order, with
// per-block decoding, pattern match ranges and protocol metadata.
package streams

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Decode renders payload bytes in the requested presentation format. Unknown
// formats fall back to the default rendering, which keeps printable text and
// line breaks and escapes everything else.
func Decode(data []byte, format string) string {
	switch format {
	case "hex":
		return hex.EncodeToString(data)
	case "hexdump":
		return hex.Dump(data)
	case "base32":
		return base32.StdEncoding.EncodeToString(data)
	case "base64":
		return base64.StdEncoding.EncodeToString(data)
	case "ascii":
		return strconv.QuoteToASCII(string(data))
	case "binary":
		return sprintSlice("%b", data)
	case "decimal":
		return sprintSlice("%d", data)
	case "octal":
		return sprintSlice("%o", data)
	default:
		return escapePayload(data)
	}
}

// escapePayload keeps printable runes plus tabs and line breaks literal and
// renders every other byte as a \xNN escape.
func escapePayload(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, `\x%02x`, data[i])
			i++
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			b.Write(data[i : i+size])
		} else {
			for _, c := range data[i : i+size] {
				fmt.Fprintf(&b, `\x%02x`, c)
			}
		}
		i += size
	}
	return b.String()
}

// sprintSlice formats each byte with verb, space separated.
func sprintSlice(verb string, data []byte) string {
	s := fmt.Sprintf(verb, data)
	return s[1 : len(s)-1]
}
