package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/keygate/internal/domain/keys"
)

// CreateAPI handles POST /v1/apis.createApi.
func (h *Handler) CreateAPI(w http.ResponseWriter, r *http.Request) {
	body, err := h.schemas.readBody(r, "createApi")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req keys.CreateAPIRequest
	err = fields(body, func(d *jx.Decoder, key string) (ok bool, err error) {
		switch key {
		case "name":
			req.Name, err = d.Str()
		case "ipWhitelist":
			err = d.Arr(func(d *jx.Decoder) error {
				s, err := d.Str()
				req.IPWhitelist = append(req.IPWhitelist, s)
				return err
			})
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	auth, err := h.manager.CreateAPI(r.Context(), workspace(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("apiId", func(e *jx.Encoder) { e.Str(auth.APIID) })
	})
	writeJSON(w, http.StatusOK, &e)
}

// GetAPI handles GET /v1/apis.getApi?apiId=.
func (h *Handler) GetAPI(w http.ResponseWriter, r *http.Request) {
	apiID := r.URL.Query().Get("apiId")
	if apiID == "" {
		writeError(w, r, errors.Wrap(keys.ErrBadRequest, "apiId is required"))
		return
	}

	auth, err := h.manager.GetAPI(r.Context(), workspace(r), apiID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(auth.APIID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(auth.Name) })
		e.Field("workspaceId", func(e *jx.Encoder) { e.Str(auth.WorkspaceID) })
		e.Field("ipWhitelist", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, entry := range auth.IPWhitelist {
					e.Str(entry)
				}
			})
		})
	})
	writeJSON(w, http.StatusOK, &e)
}

// ListKeys handles GET /v1/apis.listKeys?apiId=&ownerId=.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	apiID := q.Get("apiId")
	if apiID == "" {
		writeError(w, r, errors.Wrap(keys.ErrBadRequest, "apiId is required"))
		return
	}

	list, err := h.manager.ListKeys(r.Context(), workspace(r), apiID, q.Get("ownerId"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("keys", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, k := range list {
					encodeKey(e, k)
				}
			})
		})
		e.Field("total", func(e *jx.Encoder) { e.Int(len(list)) })
	})
	writeJSON(w, http.StatusOK, &e)
}

// DeleteAPI handles POST /v1/apis.deleteApi.
func (h *Handler) DeleteAPI(w http.ResponseWriter, r *http.Request) {
	apiID, err := h.readID(r, "apiId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.manager.DeleteAPI(r.Context(), workspace(r), apiID); err != nil {
		writeError(w, r, err)
		return
	}
	writeEmpty(w)
}
