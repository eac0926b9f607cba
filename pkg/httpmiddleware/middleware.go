// Package httpmiddleware holds the net/http middleware chain of the API
// server.
package httpmiddleware

import (
	"net/http"

	"github.com/go-faster/jx"
)

// DocsBaseURL prefixes the error code in the docs field of error envelopes.
const DocsBaseURL = "https://keygate.dev/docs/api-reference/errors/code/"

// Middleware decorates an http.Handler.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware is the outermost.
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// writeError writes the API error envelope. Handlers have their own writer;
// this one is for responses produced before routing.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("error", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("code", func(e *jx.Encoder) { e.Str(code) })
				e.Field("docs", func(e *jx.Encoder) { e.Str(DocsBaseURL + code) })
				e.Field("message", func(e *jx.Encoder) { e.Str(message) })
				if id := RequestIDFromContext(r.Context()); id != "" {
					e.Field("requestId", func(e *jx.Encoder) { e.Str(id) })
				}
			})
		})
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
