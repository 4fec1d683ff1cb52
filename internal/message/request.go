package message

import (
	"fmt"
	"strings"

	"github.com/Az107/HTeaPot/internal/header"
)

// Request is a fully parsed HTTP/1.1 request.
type Request struct {
	Method   Method
	Path     string
	Args     map[string]string
	Header   header.Header
	Body     []byte
	PeerAddr string
}

// ErrorKind classifies a parse failure so the engine can pick the
// right status code and wire message.
type ErrorKind int

const (
	// KindBadRequest covers malformed request lines, invalid header
	// lines, and conflicting length encodings.
	KindBadRequest ErrorKind = iota
	// KindPayloadTooLarge covers header blocks over the byte or count cap.
	KindPayloadTooLarge
)

// ParseError is returned by the incremental parser. Its Error() string
// is suitable to send back to the peer verbatim as the 4xx body.
type ParseError struct {
	Kind ErrorKind
	msg  string
}

func (e *ParseError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: KindBadRequest, msg: fmt.Sprintf(format, args...)}
}

func payloadTooLarge(msg string) *ParseError {
	return &ParseError{Kind: KindPayloadTooLarge, msg: msg}
}

// parseTarget splits a request-target of the form "path?k=v&k2=v2"
// into its path and argument map. Keys and values are kept as they
// appear on the wire (no percent-decoding). A pair without "=" stores
// an empty string value, per spec.
func parseTarget(target string) (path string, args map[string]string) {
	args = make(map[string]string)
	path = target
	if idx := strings.IndexByte(target, '?'); idx >= 0 {
		path = target[:idx]
		query := target[idx+1:]
		for _, pair := range strings.Split(query, "&") {
			if pair == "" {
				continue
			}
			if eq := strings.IndexByte(pair, '='); eq >= 0 {
				args[pair[:eq]] = pair[eq+1:]
			} else {
				args[pair] = ""
			}
		}
	}
	return path, args
}
