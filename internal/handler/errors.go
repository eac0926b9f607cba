package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/keygate/internal/domain/keys"
	"github.com/xenking/keygate/pkg/httpmiddleware"
)

// Public error codes.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_SERVER_ERROR"
)

// classify maps a domain error to its status and public code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, keys.ErrBadRequest),
		errors.Is(err, keys.ErrInvalidOperation),
		errors.Is(err, keys.ErrUnlimited):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, keys.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, keys.ErrConflict):
		return http.StatusConflict, CodeConflict
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError renders err as the error envelope. Internal errors are logged
// and their message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = "internal server error"
	}
	writeEnvelope(w, r, status, code, msg)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("error", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("code", func(e *jx.Encoder) { e.Str(code) })
				e.Field("docs", func(e *jx.Encoder) { e.Str(httpmiddleware.DocsBaseURL + code) })
				e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
				e.Field("requestId", func(e *jx.Encoder) {
					e.Str(httpmiddleware.RequestIDFromContext(r.Context()))
				})
			})
		})
	})
	writeJSON(w, status, &e)
}
