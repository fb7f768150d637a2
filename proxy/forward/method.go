package forward

import (
	"fmt"
	"net/http"
)

// Method is one of the HTTP methods the forwarder relays to the backend.
type Method int

const (
	MethodGet Method = iota
	MethodPost
	MethodPut
	MethodDelete
	MethodPatch
	MethodOptions
)

// Methods lists every supported method, in routing order.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodOptions}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return http.MethodGet
	case MethodPost:
		return http.MethodPost
	case MethodPut:
		return http.MethodPut
	case MethodDelete:
		return http.MethodDelete
	case MethodPatch:
		return http.MethodPatch
	case MethodOptions:
		return http.MethodOptions
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod maps an HTTP method name to a Method. Names are case-sensitive, as in HTTP.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedMethod, s)
}

// hasBody reports whether a request body is forwarded for m.
// OPTIONS bodies are only forwarded when the client declared a length.
func (m Method) hasBody(contentLength int64) bool {
	switch m {
	case MethodPost, MethodPut, MethodPatch:
		return true
	case MethodOptions:
		return contentLength > 0
	default:
		return false
	}
}
