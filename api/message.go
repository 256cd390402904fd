// File: api/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Parsed message head (request or response) exchanged between codec,
// session and handler.

package api

import (
	"net/url"
	"strings"
)

// Headers is a case-insensitive multimap of header fields. Names are
// normalized to lower case on insertion.
type Headers struct {
	m     map[string][]string
	count int
}

func NewHeaders() Headers {
	return Headers{m: make(map[string][]string)}
}

func (h *Headers) Add(name, value string) {
	if h.m == nil {
		h.m = make(map[string][]string)
	}
	k := strings.ToLower(name)
	h.m[k] = append(h.m[k], value)
	h.count++
}

// Get returns the first value for name, or "".
func (h *Headers) Get(name string) string {
	vs := h.m[strings.ToLower(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func (h *Headers) Values(name string) []string {
	return h.m[strings.ToLower(name)]
}

func (h *Headers) Exists(name string) bool {
	return len(h.m[strings.ToLower(name)]) > 0
}

// Len is the total number of field lines.
func (h *Headers) Len() int {
	return h.count
}

// Each visits every field line. Order across names is unspecified;
// values of one name keep insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for name, vs := range h.m {
		for _, v := range vs {
			fn(name, v)
		}
	}
}

// Message is the parsed head of a request or response. Requests carry
// Method/URL, responses carry StatusCode. Bodies travel separately through
// the body callbacks.
type Message struct {
	// Request side.
	Method string
	URL    string
	Path   string
	Query  string

	// Response side.
	StatusCode    int
	StatusMessage string

	VersionMajor int
	VersionMinor int
	Headers      Headers

	// Chunked reports chunked framing on ingress, or requests it on egress.
	Chunked bool
	// Upgraded marks a message that switched the stream into tunnel mode.
	Upgraded bool
	// WantsKeepAlive reflects the message's connection persistence.
	WantsKeepAlive bool

	// Priority hint carried by parallel codecs (smaller band = more
	// important; weight breaks ties within a band).
	Priority uint8
	Weight   uint8
}

func (m *Message) IsRequest() bool { return m.Method != "" }

// SetURL stores the raw request target and derives Path and Query.
func (m *Message) SetURL(raw string) {
	m.URL = raw
	u, err := url.Parse(raw)
	if err != nil {
		m.Path = raw
		m.Query = ""
		return
	}
	m.Path = u.Path
	m.Query = u.RawQuery
	if m.Path == "" {
		m.Path = raw
	}
}

// IsConnect reports whether this is a CONNECT request.
func (m *Message) IsConnect() bool { return m.Method == "CONNECT" }

// RequestsUpgrade reports whether the request asks for a protocol switch.
func (m *Message) RequestsUpgrade() bool {
	return m.Headers.Exists("upgrade")
}

// UpgradeProtocol names the protocol an Upgrade request asks for.
func (m *Message) UpgradeProtocol() string {
	if m.IsConnect() {
		return "CONNECT"
	}
	return m.Headers.Get("upgrade")
}
