package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/device-manager/internal/device"
	"github.com/nerrad567/device-manager/internal/infrastructure/config"
	"github.com/nerrad567/device-manager/internal/infrastructure/database"
	"github.com/nerrad567/device-manager/internal/tenant"
	_ "github.com/nerrad567/device-manager/migrations"
)

const apiTenant = "acme"

func str(s string) *string { return &s }

// newDeviceServer returns a router over a migrated in-memory database
// seeded with a "meter" template (model, relay, secret psk).
func newDeviceServer(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	require.NoError(t, db.Migrate(ctx))

	err = device.NewSQLiteTemplateStore(db.DB).Save(ctx, apiTenant, &device.Template{
		ID: "meter", Label: "Meter", Attrs: []device.Attribute{
			{Label: "model", Type: device.AttrStatic, ValueType: "string", StaticValue: str("x1")},
			{Label: "relay", Type: device.AttrActuator, ValueType: "bool"},
			{Label: "secret", Type: device.AttrStatic, ValueType: device.ValueTypePSK},
		},
	})
	require.NoError(t, err)

	sealer, err := device.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	svc := device.NewService(device.NewSQLiteStore(db.DB), device.NewPSKEngine(sealer), nil, device.ServiceConfig{})

	s, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1"},
		Logger:  testLogger(),
		Devices: svc,
		Version: "1.2.3",
	})
	require.NoError(t, err)
	return s.Handler()
}

func bearer(t *testing.T, tenantID string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tenant.Claims{Service: tenantID, Username: "alice"}).
		SignedString([]byte("gateway-secret"))
	require.NoError(t, err)
	return "Bearer " + tok
}

// call sends a request as the acme tenant and decodes a JSON response into out.
func call(t *testing.T, h http.Handler, method, target string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Authorization", bearer(t, apiTenant))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func createMeter(t *testing.T, h http.Handler, label string) string {
	t.Helper()
	var res device.CreateResult
	code := call(t, h, http.MethodPost, "/api/v1/devices", device.DeviceSpec{Label: label, Templates: []string{"meter"}}, &res)
	require.Equal(t, http.StatusCreated, code)
	require.Len(t, res.Devices, 1)
	return res.Devices[0].ID
}

func TestDevices_Auth(t *testing.T) {
	h := newDeviceServer(t)

	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tenant.Claims{Username: "alice"}).
		SignedString([]byte("gateway-secret"))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":         "",
		"garbage":         "Bearer not.a.jwt",
		"no tenant claim": "Bearer " + noTenant,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			var body Error
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, ErrCodeUnauthorized, body.Code)
		})
	}

	t.Run("health stays open", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestDevices_Lifecycle(t *testing.T) {
	h := newDeviceServer(t)

	var created device.CreateResult
	code := call(t, h, http.MethodPost, "/api/v1/devices?count=1&verbose=true", device.DeviceSpec{
		Label:     "kitchen",
		Templates: []string{"meter"},
		Attrs:     []device.AttributeSpec{{Label: "model", TemplateID: "meter", StaticValue: str("x2")}},
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, device.MessageDeviceCreated, created.Message)
	require.Len(t, created.Devices, 1)
	require.NotNil(t, created.Devices[0].DeviceDetail)
	id := created.Devices[0].ID

	var view device.DeviceView
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/devices/"+id, nil, &view))
	model, ok := view.Attrs.Find("model")
	require.True(t, ok)
	assert.Equal(t, "x2", *model.StaticValue)

	var updated device.DeviceResult
	code = call(t, h, http.MethodPut, "/api/v1/devices/"+id, device.DeviceSpec{Label: "hall", Templates: []string{"meter"}}, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hall", updated.Device.Label)
	assert.Equal(t, device.MessageDeviceUpdated, updated.Message)

	var configured device.ConfigureResult
	code = call(t, h, http.MethodPut, "/api/v1/devices/"+id+"/configure",
		device.ConfigureRequest{Topic: "config", Attrs: map[string]any{"relay": true}}, &configured)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, device.StatusConfigured, configured.Status)

	var deleted device.DeleteResult
	require.Equal(t, http.StatusOK, call(t, h, http.MethodDelete, "/api/v1/devices/"+id, nil, &deleted))
	assert.Equal(t, device.ResultOK, deleted.Result)

	var missing Error
	require.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/api/v1/devices/"+id, nil, &missing))
	assert.Equal(t, ErrCodeNotFound, missing.Code)
}

func TestDevices_Listing(t *testing.T) {
	h := newDeviceServer(t)
	var batch device.CreateResult
	code := call(t, h, http.MethodPost, "/api/v1/devices?count=3", device.DeviceSpec{Label: "meter", Templates: []string{"meter"}}, &batch)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, device.MessageDevicesCreated, batch.Message)

	t.Run("page with filters", func(t *testing.T) {
		var res device.ListResult
		code := call(t, h, http.MethodGet, "/api/v1/devices?per_page=2&sortBy=-label&attr=model=x1&attr_type=actuator", nil, &res)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, res.Devices, 2)
		assert.Equal(t, "meter_3", res.Devices[0].Label)
		require.NotNil(t, res.Pagination)
		assert.True(t, res.Pagination.HasNext)
	})

	t.Run("terse", func(t *testing.T) {
		var res device.ListResult
		require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/devices?full=false&label=_2", nil, &res))
		require.Len(t, res.Devices, 1)
		assert.Nil(t, res.Devices[0].DeviceDetail)
	})

	t.Run("ids", func(t *testing.T) {
		var res device.ListResult
		require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/devices?idsOnly=true", nil, &res))
		assert.Len(t, res.IDs, 3)

		var ids []string
		require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/devices/ids", nil, &ids))
		assert.ElementsMatch(t, res.IDs, ids)
	})

	t.Run("by template", func(t *testing.T) {
		var res device.ListResult
		require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/api/v1/devices/template/meter", nil, &res))
		assert.Len(t, res.Devices, 3)
		assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, "/api/v1/devices/template/nope", nil, nil))
	})

	t.Run("bad filter", func(t *testing.T) {
		var body Error
		require.Equal(t, http.StatusBadRequest, call(t, h, http.MethodGet, "/api/v1/devices?sortBy=colour", nil, &body))
		assert.Equal(t, ErrCodeBadRequest, body.Code)
	})

	t.Run("delete all", func(t *testing.T) {
		var res device.DeleteResult
		require.Equal(t, http.StatusOK, call(t, h, http.MethodDelete, "/api/v1/devices", nil, &res))
		assert.Equal(t, device.ResultOK, res.Result)

		var ids []string
		call(t, h, http.MethodGet, "/api/v1/devices/ids", nil, &ids)
		assert.Empty(t, ids)
	})
}

func TestDevices_Templates(t *testing.T) {
	h := newDeviceServer(t)
	id := createMeter(t, h, "m")

	var res device.DeviceResult
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/api/v1/devices/"+id+"/templates/meter", nil, &res))
	assert.Equal(t, []string{"meter"}, res.Device.Templates)

	require.Equal(t, http.StatusOK, call(t, h, http.MethodDelete, "/api/v1/devices/"+id+"/templates/meter", nil, &res))
	assert.Empty(t, res.Device.Templates)

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodDelete, "/api/v1/devices/"+id+"/templates/meter", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodPost, "/api/v1/devices/"+id+"/templates/nope", nil, nil))
}

func TestDevices_PSK(t *testing.T) {
	h := newDeviceServer(t)
	src := createMeter(t, h, "src")
	dst := createMeter(t, h, "dst")

	var gen device.GenPSKResult
	code := call(t, h, http.MethodPost, "/api/v1/devices/"+src+"/psk?key_length=128&target_attributes=secret", nil, &gen)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, gen.Keys, 1)
	assert.Equal(t, "secret", gen.Keys[0].Label)
	assert.Len(t, gen.Keys[0].PSK, 32)

	for _, target := range []string{
		"/api/v1/devices/" + src + "/psk?key_length=12",
		"/api/v1/devices/" + src + "/psk?key_length=abc",
		"/api/v1/devices/" + src + "/psk?key_length=8&target_attributes=model",
	} {
		assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPost, target, nil, nil), target)
	}

	code = call(t, h, http.MethodPost, "/api/v1/devices/"+dst+"/attrs/secret/psk",
		copyPSKRequest{FromDeviceID: src, FromAttr: "secret"}, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code = call(t, h, http.MethodPost, "/api/v1/devices/"+src+"/attrs/secret/psk",
		copyPSKRequest{FromDeviceID: "nope00", FromAttr: "secret"}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = call(t, h, http.MethodPost, "/api/v1/devices/"+src+"/attrs/secret/psk", copyPSKRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDevices_ErrorStatus(t *testing.T) {
	h := newDeviceServer(t)
	createMeter(t, h, "taken")

	tests := []struct {
		name     string
		method   string
		target   string
		body     any
		wantCode int
		wantErr  string
	}{
		{"invalid JSON", http.MethodPost, "/api/v1/devices", "not an object", http.StatusBadRequest, ErrCodeBadRequest},
		{"verbose batch", http.MethodPost, "/api/v1/devices?count=2&verbose=true",
			device.DeviceSpec{Label: "b", Templates: []string{"meter"}}, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown template", http.MethodPost, "/api/v1/devices",
			device.DeviceSpec{Label: "u", Templates: []string{"nope"}}, http.StatusNotFound, ErrCodeNotFound},
		{"label taken", http.MethodPost, "/api/v1/devices",
			device.DeviceSpec{Label: "taken", Templates: []string{"meter"}}, http.StatusConflict, ErrCodeConflict},
		{"attribute conflict", http.MethodPost, "/api/v1/devices",
			device.DeviceSpec{Label: "c", Templates: []string{"meter"}, Attrs: []device.AttributeSpec{
				{Label: "relay", Type: device.AttrStatic, ValueType: "string", StaticValue: str("on")},
			}}, http.StatusConflict, ErrCodeAttributeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body Error
			assert.Equal(t, tt.wantCode, call(t, h, tt.method, tt.target, tt.body, &body))
			assert.Equal(t, tt.wantErr, body.Code)
		})
	}
}
