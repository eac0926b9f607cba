package handler

import (
	"bytes"
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xenking/keygate/internal/domain/keys"
)

const maxBodyBytes = 1 << 20

//go:embed schemas/*.json
var schemaFS embed.FS

// schemas holds the compiled request body schemas by file stem.
type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, errors.Wrap(err, "list schemas")
	}

	out := make(schemas, len(files))
	for _, file := range files {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", file)
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(file, bytes.NewReader(raw)); err != nil {
			return nil, errors.Wrapf(err, "add %s", file)
		}
		sch, err := compiler.Compile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "compile %s", file)
		}
		out[strings.TrimSuffix(path.Base(file), ".json")] = sch
	}
	return out, nil
}

// readBody reads the request body and validates it against the named schema.
// Every failure wraps keys.ErrBadRequest.
func (s schemas) readBody(r *http.Request, name string) ([]byte, error) {
	sch, ok := s[name]
	if !ok {
		return nil, errors.Errorf("schema %q is not registered", name)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errors.Wrap(keys.ErrBadRequest, "read body")
	}
	if len(body) > maxBodyBytes {
		return nil, errors.Wrap(keys.ErrBadRequest, "body too large")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(keys.ErrBadRequest, "body is not valid json")
	}
	if err := sch.Validate(doc); err != nil {
		return nil, errors.Wrap(keys.ErrBadRequest, validationMessage(err))
	}
	return body, nil
}

func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) == 0 {
			loc := ve.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+ve.Message)
			return
		}
		for _, c := range ve.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}

// fields walks a validated JSON object, handing each member to fn. Members
// fn does not consume are skipped.
func fields(body []byte, fn func(d *jx.Decoder, key string) (bool, error)) error {
	return jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		ok, err := fn(d, string(key))
		if err != nil {
			return errors.Wrapf(keys.ErrBadRequest, "decode %q: %v", key, err)
		}
		if !ok {
			return d.Skip()
		}
		return nil
	})
}

func optString(d *jx.Decoder) (*string, error) {
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func optInt64(d *jx.Decoder) (*int64, error) {
	v, err := d.Int64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func millis(d *jx.Decoder) (*time.Time, error) {
	v, err := d.Int64()
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(v)
	return &t, nil
}

// parseInterval accepts "hourly", "daily", "monthly" (30 days) or a Go
// duration string.
func parseInterval(s string) (time.Duration, error) {
	switch s {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "monthly":
		return 30 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.Wrapf(keys.ErrBadRequest, "invalid refill interval %q", s)
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeEmpty(w http.ResponseWriter) {
	var e jx.Encoder
	e.ObjStart()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
