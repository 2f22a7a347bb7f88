// Package model defines shared types for the relay.
package model

// ProxyRequest is one inbound relay request, alive for a single request lifecycle.
type ProxyRequest struct {
	Method  string
	RawPath string // request target as received, still percent-encoded
	Target  string // decoded upstream URL; set by the service
}

// UpstreamResponse is the fully buffered upstream reply.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}
