package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/keygate/internal/domain/keys"
	"github.com/xenking/keygate/pkg/httpmiddleware"
)

// Principal is the root key behind a management request.
type Principal struct {
	KeyID string
	// WorkspaceID is the workspace the root key manages.
	WorkspaceID string
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated root key, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// RequireRootKey authenticates "Authorization: Bearer <root key>" by
// verifying the secret against the root API. Root keys run through the same
// policy as any other key, so disabled, expired or exhausted root keys are
// rejected.
func (h *Handler) RequireRootKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeEnvelope(w, r, http.StatusUnauthorized, CodeUnauthorized, "key required")
			return
		}

		ctx := r.Context()
		res, err := h.verifier.Verify(ctx, keys.VerifyRequest{
			Key:        token,
			APIID:      h.rootAPIID,
			SourceAddr: httpmiddleware.ClientIP(r),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !res.Valid() || res.Key.ForWorkspaceID == "" {
			zctx.From(ctx).Debug("Root key rejected", zap.String("verdict", string(res.Verdict)))
			writeEnvelope(w, r, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
			return
		}

		p := Principal{KeyID: res.Key.ID, WorkspaceID: res.Key.ForWorkspaceID}
		ctx = context.WithValue(ctx, principalKey{}, p)
		ctx = zctx.With(ctx, zap.String("root_key_id", p.KeyID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// workspace returns the workspace scope of the request.
func workspace(r *http.Request) string {
	p, _ := PrincipalFromContext(r.Context())
	return p.WorkspaceID
}
