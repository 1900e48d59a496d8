package streams

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeFormats(t *testing.T) {
	data := []byte("ab")

	cases := []struct {
		format string
		want   string
	}{
		{"", "ab"},
		{"default", "ab"},
		{"unknown-format", "ab"},
		{"hex", "6162"},
		{"base32", "MFRA===="},
		{"base64", "YWI="},
		{"ascii", `"ab"`},
		{"binary", "1100001 1100010"},
		{"decimal", "97 98"},
		{"octal", "141 142"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Decode(data, tc.format), "format %q", tc.format)
	}
}

func TestDecodeDefaultEscapesBinary(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte("GET / HTTP/1.1\r\n\r\n"), "GET / HTTP/1.1\r\n\r\n"},
		{[]byte("ab\x00\xffcd"), `ab\x00\xffcd`},
		{[]byte("tab\there"), "tab\there"},
		{[]byte("caf\xc3\xa9"), "café"},
		{[]byte{0x1b, 0x5b, 0x33, 0x31, 0x6d}, `\x1b[31m`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Decode(tc.in, ""), "input %q", tc.in)
	}
}

func TestDecodeHexdump(t *testing.T) {
	out := Decode([]byte("hello"), "hexdump")
	assert.Contains(t, out, "00000000")
	assert.Contains(t, out, "|hello|")
}

func TestDecodeEmpty(t *testing.T) {
	assert.Equal(t, "", Decode(nil, "binary"))
	assert.Equal(t, "", Decode(nil, "hex"))
	assert.Equal(t, "", Decode(nil, ""))
}
