// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package parsers

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxBodyBytes caps how much of a message body is embedded in metadata.
const maxBodyBytes = 1 << 20

// HTTPRequestMetadata is the decoded form of an HTTP request chunk.
type HTTPRequestMetadata struct {
	Type          string            `json:"type"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Protocol      string            `json:"protocol"`
	Host          string            `json:"host"`
	Headers       map[string]string `json:"headers"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	ContentLength int64             `json:"content_length"`
	FormData      map[string]string `json:"form_data,omitempty"`
	Body          string            `json:"body,omitempty"`
}

func (m *HTTPRequestMetadata) Kind() string { return m.Type }

// HTTPResponseMetadata is the decoded form of an HTTP response chunk.
type HTTPResponseMetadata struct {
	Type          string            `json:"type"`
	Status        string            `json:"status"`
	StatusCode    int               `json:"status_code"`
	Protocol      string            `json:"protocol"`
	Headers       map[string]string `json:"headers"`
	ContentLength int64             `json:"content_length"`
	Cookies       map[string]string `json:"cookies,omitempty"`
	Location      string            `json:"location,omitempty"`
	Compressed    bool              `json:"compressed,omitempty"`
	Body          string            `json:"body,omitempty"`
}

func (m *HTTPResponseMetadata) Kind() string { return m.Type }

func parseHTTPRequest(data []byte) Metadata {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil
	}
	defer req.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))

	meta := &HTTPRequestMetadata{
		Type:          "http-request",
		Method:        req.Method,
		URL:           req.URL.String(),
		Protocol:      req.Proto,
		Host:          req.Host,
		Headers:       flattenHeader(req.Header),
		Cookies:       cookieMap(req.Cookies()),
		ContentLength: req.ContentLength,
		Body:          string(body),
	}
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if form, err := url.ParseQuery(string(body)); err == nil {
			meta.FormData = flattenValues(form)
		}
	}
	return meta
}

func parseHTTPResponse(data []byte) Metadata {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	meta := &HTTPResponseMetadata{
		Type:          "http-response",
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Protocol:      resp.Proto,
		Headers:       flattenHeader(resp.Header),
		ContentLength: resp.ContentLength,
		Cookies:       cookieMap(resp.Cookies()),
		Location:      resp.Header.Get("Location"),
	}

	var bodyReader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		if gz, err := gzip.NewReader(resp.Body); err == nil {
			defer gz.Close()
			bodyReader = gz
			meta.Compressed = true
		}
	}
	body, _ := io.ReadAll(io.LimitReader(bodyReader, maxBodyBytes))
	meta.Body = string(body)
	return meta
}

func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ", ")
	}
	return out
}

func flattenValues(values url.Values) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, vs := range values {
		out[key] = strings.Join(vs, ", ")
	}
	return out
}

func cookieMap(cookies []*http.Cookie) map[string]string {
	if len(cookies) == 0 {
		return nil
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}
