// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package parsers

import (
	"github.com/dreadl0ck/ja3"
	"github.com/dreadl0ck/tlsx"
)

// TLSClientHelloMetadata summarizes a TLS ClientHello: the fields a CTF
// player cares about when a service speaks TLS.
type TLSClientHelloMetadata struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	SNI     string `json:"sni,omitempty"`
	JA3     string `json:"ja3"`
}

func (m *TLSClientHelloMetadata) Kind() string { return m.Type }

// TLS record type 0x16 (handshake), handshake type 0x01 (ClientHello).
func parseTLSClientHello(data []byte) Metadata {
	if len(data) < 6 || data[0] != 0x16 || data[5] != 0x01 {
		return nil
	}
	var hello tlsx.ClientHelloBasic
	if err := hello.Unmarshal(data); err != nil {
		return nil
	}
	return &TLSClientHelloMetadata{
		Type:    "tls-client-hello",
		Version: hello.HandshakeVersion.String(),
		SNI:     hello.SNI,
		JA3:     ja3.DigestHex(&hello),
	}
}
