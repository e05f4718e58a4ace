// Package model defines the wire and on-disk shapes shared by every
// stage of the capture pipeline: the decoder emits a Capture, the
// writer serializes one, and the sync client derives its bolt envelope
// from one.
package model

import "time"

// Kind discriminates a request capture from a response capture.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Capture is a single observed HTTP request or response, reconstructed
// from a TCP flow's payload bytes.
type Capture struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node"`
	Service   string    `json:"service"`

	Method   string `json:"method,omitempty"`
	Endpoint string `json:"endpoint"`
	URL      string `json:"url,omitempty"`
	Host     string `json:"host,omitempty"`

	SrcIP   string `json:"srcIp"`
	SrcPort uint16 `json:"srcPort"`
	DstIP   string `json:"dstIp"`
	DstPort uint16 `json:"dstPort"`

	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	RequestBody    string            `json:"requestBody,omitempty"`
	RequestBodyHex bool              `json:"requestBodyHex,omitempty"`

	StatusCode      int               `json:"statusCode,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	ResponseBodyHex bool              `json:"responseBodyHex,omitempty"`

	HTTPVersion string `json:"httpVersion,omitempty"`

	// Fingerprint is the hex xxhash digest computed by pkg/dedup; it
	// rides along on the capture purely for operator debugging of
	// de-dup decisions, never as a lookup key.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Truncated marks a body longer than MaxCaptureBodyBytes: only its
	// first MaxCaptureBodyBytes bytes are kept, hex-encoded, and the
	// bytes past the cap are dropped.
	Truncated bool `json:"truncated,omitempty"`
}

// RequestContext is the slice of a request capture a flow remembers so a
// later response capture on the reverse direction can be attributed.
type RequestContext struct {
	Method   string
	Endpoint string
	Host     string
	Service  string
}
