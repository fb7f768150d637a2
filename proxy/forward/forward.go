package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a whole forwarding call, including reading the backend's body.
const DefaultTimeout = 300 * time.Second

var (
	ErrUnsupportedMethod  = errors.New("unsupported method")
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrBackendTimeout     = errors.New("backend timeout")
)

// hopHeaders are stripped from responses before they are written to the client.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an inbound request captured for forwarding. It is not modified after NewRequest.
type Request struct {
	Method string
	// Path is the escaped path exactly as the client sent it.
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// NewRequest reads r into a Request. The body is read in full for methods that carry one.
func NewRequest(r *http.Request) (*Request, error) {
	req := &Request{
		Method:   r.Method,
		Path:     r.URL.EscapedPath(),
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Del("Host")

	m, err := ParseMethod(r.Method)
	if err == nil && m.hasBody(r.ContentLength) && r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		req.Body = b
	}
	return req, nil
}

// Response is what gets written back to the client, either the backend's reply or a synthesized error.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Err is set when the response was synthesized because forwarding failed.
	Err error
}

func textResponse(code int, err error, body string) *Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{StatusCode: code, Header: h, Body: []byte(body), Err: err}
}

// Forwarder relays single HTTP requests to a backend.
type Forwarder struct {
	log     *zap.SugaredLogger
	baseURL string
	timeout time.Duration
	client  *http.Client
}

type Option func(f *Forwarder)

func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		f.timeout = d
	}
}

// WithTransport replaces the outbound transport. Redirects are still never followed.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) {
		f.client.Transport = rt
	}
}

// New creates a Forwarder for the backend at baseURL, e.g. "http://localhost:4000".
func New(log *zap.SugaredLogger, baseURL string, opts ...Option) *Forwarder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// the client gets the backend's encoding untouched
	transport.DisableCompression = true
	f := &Forwarder{
		log:     log.Named("forward"),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		timeout: DefaultTimeout,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Target returns the backend URL for req. Path and query are appended as-is, without re-encoding.
func (f *Forwarder) Target(req *Request) string {
	target := f.baseURL + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	return target
}

// Forward makes one attempt to relay req to the backend. It always returns a Response: failures are
// mapped to 405, 503, 504 or 500 responses with a short plain-text body.
func (f *Forwarder) Forward(ctx context.Context, req *Request) *Response {
	if _, err := ParseMethod(req.Method); err != nil {
		return textResponse(http.StatusMethodNotAllowed, err, fmt.Sprintf("Method %s not supported", req.Method))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	outReq, err := http.NewRequestWithContext(ctx, req.Method, f.Target(req), body)
	if err != nil {
		return f.failure(fmt.Errorf("building backend request: %w", err))
	}
	outReq.Header = req.Header.Clone()

	resp, err := f.client.Do(outReq)
	if err != nil {
		return f.failure(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.failure(fmt.Errorf("reading backend response: %w", err))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}
}

func (f *Forwarder) failure(err error) *Response {
	err = classify(err)
	switch {
	case errors.Is(err, ErrBackendTimeout):
		return textResponse(http.StatusGatewayTimeout, err, "Backend timeout")
	case errors.Is(err, ErrBackendUnreachable):
		return textResponse(http.StatusServiceUnavailable, err, "Backend unavailable")
	default:
		return textResponse(http.StatusInternalServerError, err, fmt.Sprintf("Proxy error: %s", err))
	}
}

// classify wraps err with ErrBackendTimeout or ErrBackendUnreachable when it is one of those.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}
	var opErr *net.OpError
	if (errors.As(err, &opErr) && opErr.Op == "dial") || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", ErrBackendUnreachable, err)
	}
	return err
}

// ServeHTTP forwards r and writes the result. Nothing is written if the client has gone away.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := NewRequest(r)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		f.log.Debugw("error reading inbound request", "method", r.Method, "path", r.URL.Path, "error", err)
		WriteResponse(w, textResponse(http.StatusBadRequest, err, err.Error()))
		return
	}

	resp := f.Forward(r.Context(), req)
	if r.Context().Err() != nil {
		f.log.Debugw("client went away during forwarding", "method", req.Method, "path", req.Path)
		return
	}

	switch {
	case resp.StatusCode == http.StatusInternalServerError && resp.Err != nil:
		f.log.Errorw("forwarding failed", "method", req.Method, "path", req.Path, "error", resp.Err)
	case resp.Err != nil:
		f.log.Debugw("forwarding failed", "method", req.Method, "path", req.Path, "status", resp.StatusCode, "error", resp.Err)
	default:
		f.log.Debugw("forwarded", "method", req.Method, "path", req.Path, "status", resp.StatusCode, "elapsed", time.Since(start))
	}
	WriteResponse(w, resp)
}

// WriteResponse writes resp to w. Headers already present on w win over the backend's, except Vary
// which is merged, and hop-by-hop headers are dropped.
func WriteResponse(w http.ResponseWriter, resp *Response) {
	dst := w.Header()
	skip := map[string]bool{}
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, v := range resp.Header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for k, vv := range resp.Header {
		k = http.CanonicalHeaderKey(k)
		switch {
		case skip[k]:
		case k == "Vary":
			for _, v := range vv {
				dst.Add(k, v)
			}
		case len(dst.Values(k)) > 0:
		default:
			dst[k] = append([]string(nil), vv...)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
