package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/keygate/internal/domain/keys"
	"github.com/xenking/keygate/pkg/httpmiddleware"
)

// VerifyKey handles POST /v1/keys.verifyKey. Every outcome of a well-formed
// request is a 200; only valid tells the caller whether to proceed.
func (h *Handler) VerifyKey(w http.ResponseWriter, r *http.Request) {
	body, err := h.schemas.readBody(r, "verifyKey")
	if err != nil {
		writeError(w, r, err)
		return
	}

	req := keys.VerifyRequest{SourceAddr: httpmiddleware.ClientIP(r)}
	err = fields(body, func(d *jx.Decoder, key string) (ok bool, err error) {
		switch key {
		case "key":
			req.Key, err = d.Str()
		case "apiId":
			req.APIID, err = d.Str()
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.verifier.Verify(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("valid", func(e *jx.Encoder) { e.Bool(res.Valid()) })
		if code := res.Verdict.Code(); code != "" {
			e.Field("code", func(e *jx.Encoder) { e.Str(code) })
		}
		k := res.Key
		if k == nil || !res.Valid() {
			return
		}
		e.Field("keyId", func(e *jx.Encoder) { e.Str(k.ID) })
		if k.OwnerID != "" {
			e.Field("ownerId", func(e *jx.Encoder) { e.Str(k.OwnerID) })
		}
		if k.Environment != "" {
			e.Field("environment", func(e *jx.Encoder) { e.Str(k.Environment) })
		}
		if k.Remaining != nil {
			e.Field("remaining", func(e *jx.Encoder) { e.Int64(*k.Remaining) })
		}
		if k.Expires != nil {
			e.Field("expires", func(e *jx.Encoder) { e.Int64(k.Expires.UnixMilli()) })
		}
	})
	writeJSON(w, http.StatusOK, &e)
}

// UpdateRemaining handles POST /v1/keys.updateRemaining.
func (h *Handler) UpdateRemaining(w http.ResponseWriter, r *http.Request) {
	body, err := h.schemas.readBody(r, "updateRemaining")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var (
		keyID, op string
		value     int64
	)
	err = fields(body, func(d *jx.Decoder, key string) (ok bool, err error) {
		switch key {
		case "keyId":
			keyID, err = d.Str()
		case "op":
			op, err = d.Str()
		case "value":
			value, err = d.Int64()
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	remaining, err := h.manager.UpdateRemaining(r.Context(), workspace(r), keyID, op, value)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("remaining", func(e *jx.Encoder) { e.Int64(remaining) })
	})
	writeJSON(w, http.StatusOK, &e)
}

// CreateKey handles POST /v1/keys.createKey. The secret is returned once.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	body, err := h.schemas.readBody(r, "createKey")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req keys.CreateKeyRequest
	err = fields(body, func(d *jx.Decoder, key string) (ok bool, err error) {
		switch key {
		case "apiId":
			req.APIID, err = d.Str()
		case "prefix":
			req.Prefix, err = d.Str()
		case "byteLength":
			req.ByteLength, err = d.Int()
		case "name":
			req.Name, err = d.Str()
		case "ownerId":
			req.OwnerID, err = d.Str()
		case "environment":
			req.Environment, err = d.Str()
		case "forWorkspaceId":
			req.ForWorkspaceID, err = d.Str()
		case "expires":
			req.Expires, err = millis(d)
		case "remaining":
			req.Remaining, err = optInt64(d)
		case "enabled":
			var v bool
			v, err = d.Bool()
			req.Enabled = &v
		case "refill":
			req.Refill, err = decodeRefill(d)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	created, err := h.manager.CreateKey(r.Context(), workspace(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("key", func(e *jx.Encoder) { e.Str(created.Secret) })
		e.Field("keyId", func(e *jx.Encoder) { e.Str(created.Key.ID) })
	})
	writeJSON(w, http.StatusOK, &e)
}

func decodeRefill(d *jx.Decoder) (*keys.Refill, error) {
	var (
		refill   keys.Refill
		interval string
	)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "interval":
			interval, err = d.Str()
		case "amount":
			refill.Amount, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if refill.Interval, err = parseInterval(interval); err != nil {
		return nil, err
	}
	return &refill, nil
}

// GetKey handles GET /v1/keys.getKey?keyId=.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.URL.Query().Get("keyId")
	if keyID == "" {
		writeError(w, r, errors.Wrap(keys.ErrBadRequest, "keyId is required"))
		return
	}

	k, err := h.manager.GetKey(r.Context(), workspace(r), keyID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeKey(&e, k)
	writeJSON(w, http.StatusOK, &e)
}

// encodeKey writes the public projection of k. The hash never leaves the
// service.
func encodeKey(e *jx.Encoder, k *keys.Key) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(k.ID) })
		e.Field("start", func(e *jx.Encoder) { e.Str(k.Start) })
		e.Field("keyAuthId", func(e *jx.Encoder) { e.Str(k.KeyAuthID) })
		e.Field("workspaceId", func(e *jx.Encoder) { e.Str(k.WorkspaceID) })
		if k.ForWorkspaceID != "" {
			e.Field("forWorkspaceId", func(e *jx.Encoder) { e.Str(k.ForWorkspaceID) })
		}
		if k.Name != "" {
			e.Field("name", func(e *jx.Encoder) { e.Str(k.Name) })
		}
		if k.OwnerID != "" {
			e.Field("ownerId", func(e *jx.Encoder) { e.Str(k.OwnerID) })
		}
		if k.Environment != "" {
			e.Field("environment", func(e *jx.Encoder) { e.Str(k.Environment) })
		}
		e.Field("enabled", func(e *jx.Encoder) { e.Bool(k.Enabled) })
		e.Field("createdAt", func(e *jx.Encoder) { e.Int64(k.CreatedAt.UnixMilli()) })
		if k.Expires != nil {
			e.Field("expires", func(e *jx.Encoder) { e.Int64(k.Expires.UnixMilli()) })
		}
		if k.Remaining != nil {
			e.Field("remaining", func(e *jx.Encoder) { e.Int64(*k.Remaining) })
		}
		if k.Refill != nil {
			e.Field("refill", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("interval", func(e *jx.Encoder) { e.Str(k.Refill.Interval.String()) })
					e.Field("amount", func(e *jx.Encoder) { e.Int64(k.Refill.Amount) })
					if k.LastRefillAt != nil {
						e.Field("lastRefillAt", func(e *jx.Encoder) { e.Int64(k.LastRefillAt.UnixMilli()) })
					}
				})
			})
		}
		if k.LastVerifiedAt != nil {
			e.Field("lastVerifiedAt", func(e *jx.Encoder) { e.Int64(k.LastVerifiedAt.UnixMilli()) })
		}
	})
}

// UpdateKey handles POST /v1/keys.updateKey. "expires": null removes the
// expiration.
func (h *Handler) UpdateKey(w http.ResponseWriter, r *http.Request) {
	body, err := h.schemas.readBody(r, "updateKey")
	if err != nil {
		writeError(w, r, err)
		return
	}

	var (
		keyID string
		patch keys.SettingsPatch
	)
	err = fields(body, func(d *jx.Decoder, key string) (ok bool, err error) {
		switch key {
		case "keyId":
			keyID, err = d.Str()
		case "enabled":
			var v bool
			v, err = d.Bool()
			patch.Enabled = &v
		case "ownerId":
			patch.OwnerID, err = optString(d)
		case "name":
			patch.Name, err = optString(d)
		case "environment":
			patch.Environment, err = optString(d)
		case "expires":
			if d.Next() == jx.Null {
				patch.ClearExpires = true
				return true, d.Null()
			}
			patch.Expires, err = millis(d)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.manager.UpdateKey(r.Context(), workspace(r), keyID, patch); err != nil {
		writeError(w, r, err)
		return
	}
	writeEmpty(w)
}

// DeleteKey handles POST /v1/keys.deleteKey.
func (h *Handler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := h.readID(r, "keyId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.manager.DeleteKey(r.Context(), workspace(r), keyID); err != nil {
		writeError(w, r, err)
		return
	}
	writeEmpty(w)
}

// readID decodes a body holding a single required id member; the schema is
// named after the member.
func (h *Handler) readID(r *http.Request, member string) (string, error) {
	body, err := h.schemas.readBody(r, member)
	if err != nil {
		return "", err
	}
	var id string
	err = fields(body, func(d *jx.Decoder, key string) (bool, error) {
		if key != member {
			return false, nil
		}
		var err error
		id, err = d.Str()
		return true, err
	})
	return id, err
}
