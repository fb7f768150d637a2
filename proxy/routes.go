package proxy

import (
	"net/http"
	"strings"

	"github.com/guseggert/backendproxy/proxy/forward"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Handler returns the server's request handler: CORS around a router that sends WebSocket
// upgrades to the relay and everything else to the forwarder.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.HandleOPTIONS = false
	router.HandleMethodNotAllowed = true
	// the forwarder answers unsupported methods with its own 405
	router.MethodNotAllowed = s.forwarder
	router.NotFound = s.forwarder
	router.PanicHandler = s.panicHandler

	for _, m := range forward.Methods {
		router.Handle(m.String(), "/*path", s.dispatch)
	}

	c := cors.New(cors.Options{
		AllowOriginFunc:  func(string) bool { return true },
		AllowedMethods:   corsMethods,
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Logger:           &corsLogger{log: s.log.Named("cors")},
	})
	return c.Handler(router)
}

// corsMethods get CORS headers. rs/cors has no wildcard for methods, and the 405 answers for
// methods the proxy doesn't forward need the headers too.
var corsMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodConnect,
	http.MethodOptions,
	http.MethodTrace,
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if isWebSocketUpgrade(r) {
		s.relay.ServeHTTP(w, r)
		return
	}
	s.forwarder.ServeHTTP(w, r)
}

func (s *Server) panicHandler(w http.ResponseWriter, r *http.Request, v interface{}) {
	s.log.Errorw("panic while handling request", "method", r.Method, "path", r.URL.Path, "panic", v)
	http.Error(w, "Proxy error: internal error", http.StatusInternalServerError)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		headerHasToken(r.Header, "Connection", "upgrade") &&
		headerHasToken(r.Header, "Upgrade", "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

type corsLogger struct {
	log *zap.SugaredLogger
}

func (l *corsLogger) Printf(format string, args ...interface{}) { l.log.Debugf(format, args...) }
