// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package parsers decodes reassembled stream chunks into application-layer
// metadata. Parsers are best-effort: content that no parser recognizes is
// simply served raw.
package parsers

// Metadata is the decoded view of one content chunk. Concrete types marshal
// to JSON with a discriminating "type" field.
type Metadata interface {
	Kind() string
}

// Parse attempts to decode a chunk. fromClient selects the parsers that make
// sense for that direction. Returns nil when nothing recognizes the content.
func Parse(data []byte, fromClient bool) Metadata {
	if len(data) == 0 {
		return nil
	}
	if fromClient {
		if meta := parseTLSClientHello(data); meta != nil {
			return meta
		}
		if meta := parseHTTPRequest(data); meta != nil {
			return meta
		}
		return nil
	}
	if meta := parseHTTPResponse(data); meta != nil {
		return meta
	}
	return nil
}
