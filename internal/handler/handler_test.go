package handler

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/keygate/internal/domain/keys"
	"github.com/xenking/keygate/internal/storage/memory"
	"github.com/xenking/keygate/pkg/httpmiddleware"
)

const userWorkspace = "ws_user"

type harness struct {
	t       *testing.T
	router  http.Handler
	manager *keys.Manager
	root    string
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{t: t, now: time.Now()}
	repo := memory.NewKeyRepository()
	hasher := keys.NewHasher(nil)

	verifier, err := keys.NewVerifier(repo, hasher, keys.WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.manager, err = keys.NewManager(repo, hasher, nil)
	require.NoError(t, err)

	rootAPI, err := h.manager.CreateAPI(ctx, "ws_root", keys.CreateAPIRequest{Name: "root"})
	require.NoError(t, err)
	rootKey, err := h.manager.CreateKey(ctx, "ws_root", keys.CreateKeyRequest{
		APIID:          rootAPI.APIID,
		Prefix:         "root",
		ForWorkspaceID: userWorkspace,
	})
	require.NoError(t, err)
	h.root = rootKey.Secret

	hd, err := NewHandler(Config{RootAPIID: rootAPI.APIID}, verifier, h.manager)
	require.NoError(t, err)
	h.router = httpmiddleware.Wrap(hd.Router(), httpmiddleware.RequestID())
	return h
}

type response struct {
	Code int
	Body map[string]any
	Raw  string
	Hdr  http.Header
}

func (h *harness) do(method, path, body string, headers map[string]string) response {
	h.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	res := response{Code: w.Code, Raw: w.Body.String(), Hdr: w.Header()}
	if res.Raw != "" {
		require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &res.Body), res.Raw)
	}
	return res
}

func (h *harness) admin(method, path, body string) response {
	h.t.Helper()
	return h.do(method, path, body, map[string]string{"Authorization": "Bearer " + h.root})
}

func (h *harness) verify(key, apiID string, headers map[string]string) response {
	h.t.Helper()
	body, err := json.Marshal(map[string]string{"key": key, "apiId": apiID})
	require.NoError(h.t, err)
	return h.do(http.MethodPost, "/v1/keys.verifyKey", string(body), headers)
}

func (h *harness) createAPI(body string) string {
	h.t.Helper()
	res := h.admin(http.MethodPost, "/v1/apis.createApi", body)
	require.Equal(h.t, http.StatusOK, res.Code, res.Raw)
	return res.Body["apiId"].(string)
}

func (h *harness) createKey(body string) (secret, keyID string) {
	h.t.Helper()
	res := h.admin(http.MethodPost, "/v1/keys.createKey", body)
	require.Equal(h.t, http.StatusOK, res.Code, res.Raw)
	return res.Body["key"].(string), res.Body["keyId"].(string)
}

func errorCode(t *testing.T, res response) string {
	t.Helper()
	e, ok := res.Body["error"].(map[string]any)
	require.True(t, ok, res.Raw)
	return e["code"].(string)
}

func TestUpdateRemaining(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		value  int
		status int
		want   float64
	}{
		{"Increment", "increment", 10, http.StatusOK, 110},
		{"Decrement", "decrement", 10, http.StatusOK, 90},
		{"Set", "set", 10, http.StatusOK, 10},
		{"Underflow", "decrement", 101, http.StatusBadRequest, 0},
		{"Overflow", "increment", math.MaxInt64, http.StatusBadRequest, 0},
		{"UnknownOp", "XXX", 10, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			apiID := h.createAPI(`{"name":"test"}`)
			_, keyID := h.createKey(`{"apiId":"` + apiID + `","remaining":100}`)

			body, _ := json.Marshal(map[string]any{"keyId": keyID, "op": tt.op, "value": tt.value})
			res := h.admin(http.MethodPost, "/v1/keys.updateRemaining", string(body))
			require.Equal(t, tt.status, res.Code, res.Raw)
			if tt.status != http.StatusOK {
				assert.Equal(t, CodeBadRequest, errorCode(t, res))
				got := h.admin(http.MethodGet, "/v1/keys.getKey?keyId="+keyID, "")
				assert.Equal(t, float64(100), got.Body["remaining"], "rejected updates leave the counter alone")
				return
			}
			assert.Equal(t, tt.want, res.Body["remaining"])

			got := h.admin(http.MethodGet, "/v1/keys.getKey?keyId="+keyID, "")
			require.Equal(t, http.StatusOK, got.Code)
			assert.Equal(t, tt.want, got.Body["remaining"])
		})
	}
}

func TestUpdateRemaining_UnknownKey(t *testing.T) {
	h := newHarness(t)
	res := h.admin(http.MethodPost, "/v1/keys.updateRemaining", `{"keyId":"key_missing","op":"set","value":1}`)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, res))
}

func TestCreateVerifyDelete(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	secret, keyID := h.createKey(`{"apiId":"` + apiID + `","prefix":"prefix","byteLength":16}`)
	assert.True(t, strings.HasPrefix(secret, "prefix_"))

	res := h.verify(secret, apiID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, true, res.Body["valid"])
	assert.Equal(t, keyID, res.Body["keyId"])

	del := h.admin(http.MethodPost, "/v1/keys.deleteKey", `{"keyId":"`+keyID+`"}`)
	require.Equal(t, http.StatusOK, del.Code, del.Raw)

	res = h.verify(secret, apiID, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, false, res.Body["valid"])
	assert.NotContains(t, res.Body, "code")
	assert.NotContains(t, res.Body, "keyId")
}

func TestVerifyKey_BadRequest(t *testing.T) {
	h := newHarness(t)
	for _, body := range []string{`{"something":"else"}`, `not json`, `{"key":"","apiId":"api_1"}`} {
		res := h.do(http.MethodPost, "/v1/keys.verifyKey", body, nil)
		assert.Equal(t, http.StatusBadRequest, res.Code, body)
		assert.Equal(t, CodeBadRequest, errorCode(t, res))
	}
}

func TestVerifyKey_NamespaceIsolation(t *testing.T) {
	h := newHarness(t)
	apiA := h.createAPI(`{"name":"a"}`)
	apiB := h.createAPI(`{"name":"b"}`)
	secret, _ := h.createKey(`{"apiId":"` + apiA + `"}`)

	res := h.verify(secret, apiB, nil)
	assert.Equal(t, false, res.Body["valid"])
	assert.NotContains(t, res.Body, "code")

	res = h.verify(secret, "api_unknown", nil)
	assert.Equal(t, false, res.Body["valid"])
}

func TestVerifyKey_IPWhitelist(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test","ipWhitelist":["100.100.100.100","10.1.0.0/16"]}`)
	secret, _ := h.createKey(`{"apiId":"` + apiID + `"}`)

	tests := []struct {
		name  string
		ip    string
		valid bool
	}{
		{"Exact", "100.100.100.100", true},
		{"CIDR", "10.1.2.3", true},
		{"Outside", "200.200.200.200", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.verify(secret, apiID, map[string]string{"True-Client-IP": tt.ip})
			require.Equal(t, http.StatusOK, res.Code)
			assert.Equal(t, tt.valid, res.Body["valid"])
			if !tt.valid {
				assert.Equal(t, "FORBIDDEN", res.Body["code"])
				assert.NotContains(t, res.Body, "keyId")
			}
		})
	}
}

func TestVerifyKey_Disabled(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	secret, keyID := h.createKey(`{"apiId":"` + apiID + `","remaining":5}`)

	res := h.admin(http.MethodPost, "/v1/keys.updateKey", `{"keyId":"`+keyID+`","enabled":false}`)
	require.Equal(t, http.StatusOK, res.Code, res.Raw)

	res = h.verify(secret, apiID, nil)
	assert.Equal(t, false, res.Body["valid"])
	assert.Equal(t, "DISABLED", res.Body["code"])
	assert.NotContains(t, res.Body, "keyId")
	assert.NotContains(t, res.Body, "remaining")

	got := h.admin(http.MethodGet, "/v1/keys.getKey?keyId="+keyID, "")
	assert.Equal(t, float64(5), got.Body["remaining"], "disabled keys are not charged")
}

func TestVerifyKey_Expired(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	expires := h.now.Add(time.Hour).UnixMilli()
	secret, _ := h.createKey(`{"apiId":"` + apiID + `","expires":` + jsonInt(expires) + `}`)

	res := h.verify(secret, apiID, nil)
	assert.Equal(t, true, res.Body["valid"])
	assert.Equal(t, float64(expires), res.Body["expires"])

	h.now = h.now.Add(2 * time.Hour)
	res = h.verify(secret, apiID, nil)
	assert.Equal(t, false, res.Body["valid"])
	assert.NotContains(t, res.Body, "code")
	assert.NotContains(t, res.Body, "expires")
}

func TestVerifyKey_UsageExceeded(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	secret, _ := h.createKey(`{"apiId":"` + apiID + `","remaining":1,"ownerId":"user_1","environment":"test"}`)

	res := h.verify(secret, apiID, nil)
	assert.Equal(t, true, res.Body["valid"])
	assert.Equal(t, float64(0), res.Body["remaining"])
	assert.Equal(t, "user_1", res.Body["ownerId"])
	assert.Equal(t, "test", res.Body["environment"])

	res = h.verify(secret, apiID, nil)
	assert.Equal(t, false, res.Body["valid"])
	assert.Equal(t, "KEY_USAGE_EXCEEDED", res.Body["code"])
	assert.NotContains(t, res.Body, "ownerId")
	assert.NotContains(t, res.Body, "environment")
}

func TestVerifyKey_Refill(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	secret, _ := h.createKey(`{"apiId":"` + apiID + `","refill":{"interval":"daily","amount":2}}`)

	for _, want := range []float64{1, 0} {
		res := h.verify(secret, apiID, nil)
		require.Equal(t, true, res.Body["valid"])
		assert.Equal(t, want, res.Body["remaining"])
	}
	assert.Equal(t, "KEY_USAGE_EXCEEDED", h.verify(secret, apiID, nil).Body["code"])

	h.now = h.now.Add(25 * time.Hour)
	res := h.verify(secret, apiID, nil)
	assert.Equal(t, true, res.Body["valid"])
	assert.Equal(t, float64(1), res.Body["remaining"])
}

func TestGetKey(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	_, keyID := h.createKey(`{"apiId":"` + apiID + `","name":"ci","prefix":"ci"}`)

	res := h.admin(http.MethodGet, "/v1/keys.getKey?keyId="+keyID, "")
	require.Equal(t, http.StatusOK, res.Code, res.Raw)
	assert.Equal(t, keyID, res.Body["id"])
	assert.Equal(t, "ci", res.Body["name"])
	assert.Equal(t, true, res.Body["enabled"])
	assert.True(t, strings.HasPrefix(res.Body["start"].(string), "ci_"))
	assert.NotContains(t, res.Body, "hash")

	res = h.admin(http.MethodGet, "/v1/keys.getKey", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestUpdateKey_ClearExpires(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	expires := h.now.Add(time.Hour).UnixMilli()
	_, keyID := h.createKey(`{"apiId":"` + apiID + `","expires":` + jsonInt(expires) + `}`)

	res := h.admin(http.MethodPost, "/v1/keys.updateKey", `{"keyId":"`+keyID+`","expires":null,"ownerId":"user_2"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Raw)

	got := h.admin(http.MethodGet, "/v1/keys.getKey?keyId="+keyID, "")
	assert.NotContains(t, got.Body, "expires")
	assert.Equal(t, "user_2", got.Body["ownerId"])
}

func TestAPIs(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"payments","ipWhitelist":["127.0.0.1"]}`)

	res := h.admin(http.MethodGet, "/v1/apis.getApi?apiId="+apiID, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, apiID, res.Body["id"])
	assert.Equal(t, "payments", res.Body["name"])
	assert.Equal(t, userWorkspace, res.Body["workspaceId"])
	assert.Equal(t, []any{"127.0.0.1"}, res.Body["ipWhitelist"])

	secret, _ := h.createKey(`{"apiId":"` + apiID + `"}`)
	res = h.admin(http.MethodPost, "/v1/apis.deleteApi", `{"apiId":"`+apiID+`"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Raw)

	assert.Equal(t, false, h.verify(secret, apiID, map[string]string{"True-Client-IP": "127.0.0.1"}).Body["valid"])
	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodGet, "/v1/apis.getApi?apiId="+apiID, "").Code)
}

func TestListKeys(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)
	_, first := h.createKey(`{"apiId":"` + apiID + `","ownerId":"user_1"}`)
	h.createKey(`{"apiId":"` + apiID + `","ownerId":"user_2"}`)
	_, deleted := h.createKey(`{"apiId":"` + apiID + `","ownerId":"user_1"}`)
	require.Equal(t, http.StatusOK, h.admin(http.MethodPost, "/v1/keys.deleteKey", `{"keyId":"`+deleted+`"}`).Code)

	res := h.admin(http.MethodGet, "/v1/apis.listKeys?apiId="+apiID, "")
	require.Equal(t, http.StatusOK, res.Code, res.Raw)
	assert.Equal(t, float64(2), res.Body["total"])
	assert.Len(t, res.Body["keys"], 2)

	res = h.admin(http.MethodGet, "/v1/apis.listKeys?apiId="+apiID+"&ownerId=user_1", "")
	require.Equal(t, http.StatusOK, res.Code, res.Raw)
	list := res.Body["keys"].([]any)
	require.Len(t, list, 1)
	k := list[0].(map[string]any)
	assert.Equal(t, first, k["id"])
	assert.Equal(t, "user_1", k["ownerId"])
	assert.NotContains(t, k, "hash")

	res = h.admin(http.MethodGet, "/v1/apis.listKeys?apiId="+apiID+"&ownerId=user_missing", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, []any{}, res.Body["keys"])
}

func TestListKeys_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other, err := h.manager.CreateAPI(ctx, "ws_other", keys.CreateAPIRequest{Name: "other"})
	require.NoError(t, err)

	res := h.admin(http.MethodGet, "/v1/apis.listKeys", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, CodeBadRequest, errorCode(t, res))

	for _, apiID := range []string{"api_missing", other.APIID} {
		res = h.admin(http.MethodGet, "/v1/apis.listKeys?apiId="+apiID, "")
		require.Equal(t, http.StatusNotFound, res.Code)
		e := res.Body["error"].(map[string]any)
		assert.Equal(t, "api "+apiID+" not found", e["message"])
	}

	res = h.do(http.MethodGet, "/v1/apis.listKeys?apiId="+other.APIID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestGetAPI_NotFound(t *testing.T) {
	h := newHarness(t)
	res := h.admin(http.MethodGet, "/v1/apis.getApi?apiId=api_missing", "")

	require.Equal(t, http.StatusNotFound, res.Code)
	e := res.Body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", e["code"])
	assert.Equal(t, "https://keygate.dev/docs/api-reference/errors/code/NOT_FOUND", e["docs"])
	assert.Equal(t, "api api_missing not found", e["message"])
	assert.Equal(t, res.Hdr.Get(httpmiddleware.RequestIDHeader), e["requestId"])
}

func TestCreateKey_Validation(t *testing.T) {
	h := newHarness(t)
	apiID := h.createAPI(`{"name":"test"}`)

	for _, body := range []string{
		`{"apiId":"` + apiID + `","byteLength":8}`,
		`{"apiId":"` + apiID + `","prefix":"has_underscore"}`,
		`{"apiId":"` + apiID + `","remaining":-1}`,
		`{"apiId":"` + apiID + `","expires":1}`,
		`{"apiId":"` + apiID + `","refill":{"interval":"never","amount":1}}`,
		`{"prefix":"x"}`,
	} {
		res := h.admin(http.MethodPost, "/v1/keys.createKey", body)
		assert.Equal(t, http.StatusBadRequest, res.Code, body)
	}

	res := h.admin(http.MethodPost, "/v1/keys.createKey", `{"apiId":"api_missing"}`)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestRootKey(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodGet, "/v1/apis.getApi?apiId=api_1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Equal(t, CodeUnauthorized, errorCode(t, res))

	res = h.do(http.MethodGet, "/v1/apis.getApi?apiId=api_1", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	// A key of a regular API is not a root key.
	apiID := h.createAPI(`{"name":"test"}`)
	secret, _ := h.createKey(`{"apiId":"` + apiID + `"}`)
	res = h.do(http.MethodGet, "/v1/apis.getApi?apiId="+apiID, "", map[string]string{"Authorization": "Bearer " + secret})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestWorkspaceScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other, err := h.manager.CreateAPI(ctx, "ws_other", keys.CreateAPIRequest{Name: "other"})
	require.NoError(t, err)
	created, err := h.manager.CreateKey(ctx, "ws_other", keys.CreateKeyRequest{APIID: other.APIID})
	require.NoError(t, err)

	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodGet, "/v1/apis.getApi?apiId="+other.APIID, "").Code)
	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodGet, "/v1/keys.getKey?keyId="+created.Key.ID, "").Code)
	assert.Equal(t, http.StatusNotFound,
		h.admin(http.MethodPost, "/v1/keys.deleteKey", `{"keyId":"`+created.Key.ID+`"}`).Code)

	// Verification is public and unaffected by management scope.
	assert.Equal(t, true, h.verify(created.Secret, other.APIID, nil).Body["valid"])
}

func TestRouting(t *testing.T) {
	h := newHarness(t)

	res := h.do(http.MethodGet, "/v1/keys.unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, res))

	res = h.do(http.MethodGet, "/v1/keys.verifyKey", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.Code)
	assert.NotEmpty(t, res.Hdr.Get(httpmiddleware.RequestIDHeader))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
