package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/migadu/autocrypt/account"
	"github.com/migadu/autocrypt/config"
	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "secret-key"

func newTestServer(t *testing.T, allowedHosts ...string) (*Server, *account.Account) {
	t.Helper()
	acct := account.New(filepath.Join(t.TempDir(), "acct"), account.Options{
		Store: config.StoreConfig{Backend: config.BackendMemory},
	})
	_, err := acct.Init(context.Background(), false)
	require.NoError(t, err)
	t.Cleanup(func() { acct.Close() })

	s, err := New(acct, ServerOptions{APIKey: testAPIKey, AllowedHosts: allowedHosts})
	require.NoError(t, err)
	return s, acct
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(nil, ServerOptions{})
	assert.Error(t, err)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expectedIP string
	}{
		{"X-Forwarded-For multiple IPs", map[string]string{"X-Forwarded-For": "192.168.1.100, 10.0.0.5"}, "10.0.0.1:12345", "192.168.1.100"},
		{"X-Real-IP header", map[string]string{"X-Real-IP": "192.168.1.200"}, "10.0.0.1:12345", "192.168.1.200"},
		{"fallback to RemoteAddr", nil, "192.168.1.50:12345", "192.168.1.50"},
		{"IPv6 RemoteAddr", nil, "[::1]:12345", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.expectedIP, getClientIP(req))
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name   string
		auth   string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid key", "Bearer " + testAPIKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/peers", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	s, _ := newTestServer(t, "10.0.0.0/8", "127.0.0.1")

	for remote, status := range map[string]int{
		"10.1.2.3:5555":    http.StatusOK,
		"127.0.0.1:5555":   http.StatusOK,
		"192.168.1.1:5555": http.StatusForbidden,
	} {
		req := httptest.NewRequest("GET", "/api/v1/peers", nil)
		req.RemoteAddr = remote
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, status, rec.Code, remote)
	}

	// Forwarding headers take precedence over the socket address.
	for _, name := range []string{"X-Forwarded-For", "X-Real-IP"} {
		req := httptest.NewRequest("GET", "/api/v1/peers", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		req.Header.Set(name, "192.168.1.1")
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, name)
	}
}

func TestHeaderAndPreferEncrypt(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, "PUT", "/api/v1/account/prefer-encrypt", []byte(`{"prefer_encrypt":"yes"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, "PUT", "/api/v1/account/prefer-encrypt", []byte(`{"prefer_encrypt":"always"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "GET", "/api/v1/header/alice@example.org", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var hr HeaderResponse
	decode(t, rec, &hr)
	assert.Equal(t, "alice@example.org", hr.Address)
	assert.Equal(t, "Autocrypt: "+hr.Value, hr.Line)

	h, err := header.Decode(hr.Value, "alice@example.org")
	require.NoError(t, err)
	assert.Equal(t, header.PreferYes, h.PreferEncrypt)

	rec = do(t, s, "GET", "/api/v1/header/nobody", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, "GET", "/api/v1/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct map[string]string
	decode(t, rec, &acct)
	assert.Equal(t, "yes", acct["prefer_encrypt"])
	assert.NotEmpty(t, acct["uuid"])
}

func TestIncomingAndPeers(t *testing.T) {
	s, _ := newTestServer(t)
	date := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	msg := testutils.BuildMessage("bob@example.org", date, "addr=bob@example.org; prefer-encrypt=yes; keydata=QUJD")
	rec := do(t, s, "POST", "/api/v1/incoming", []byte(msg))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res account.ProcessResult
	decode(t, rec, &res)
	assert.Equal(t, "bob@example.org", res.From)
	assert.Equal(t, account.ResultValid, res.Result)
	assert.Equal(t, "key_updated", res.Outcome)

	rec = do(t, s, "GET", "/api/v1/peers/Bob@Example.org", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var peer map[string]interface{}
	decode(t, rec, &peer)
	assert.Equal(t, "bob@example.org", peer["address"])
	assert.Equal(t, "yes", peer["prefer_encrypt"])
	assert.NotEmpty(t, peer["public_keyhandle"])

	rec = do(t, s, "GET", "/api/v1/peers/carol@example.org", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, "GET", "/api/v1/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Total int `json:"total"`
	}
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Total)

	rec = do(t, s, "POST", "/api/v1/incoming", []byte("Subject: nothing\r\n\r\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncoming_TooLarge(t *testing.T) {
	s, _ := newTestServer(t)
	msg := testutils.BuildMessage("bob@example.org", time.Now(), "addr=bob@example.org; keydata=QUJD")
	body := []byte(msg + strings.Repeat("x", MaxMessageSize))

	t.Run("declared length", func(t *testing.T) {
		rec := do(t, s, "POST", "/api/v1/incoming", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	})

	t.Run("unknown length", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/incoming", bytes.NewReader(body))
		req.ContentLength = -1
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	})

	rec := do(t, s, "GET", "/api/v1/peers/bob@example.org", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecommendation(t *testing.T) {
	s, _ := newTestServer(t)
	msg := testutils.BuildMessage("bob@example.org", time.Now(), "addr=bob@example.org; keydata=QUJD")
	require.Equal(t, http.StatusOK, do(t, s, "POST", "/api/v1/incoming", []byte(msg)).Code)

	rec := do(t, s, "POST", "/api/v1/recommendation", []byte(`{"recipients":["bob@example.org","carol@example.org"]}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Recommendation string `json:"recommendation"`
		TargetKeys     map[string]struct {
			Handle string `json:"handle"`
			Source string `json:"source"`
		} `json:"target_keys"`
	}
	decode(t, rec, &res)
	assert.Equal(t, "available", res.Recommendation)
	assert.Equal(t, "public", res.TargetKeys["bob@example.org"].Source)
	assert.Equal(t, "none", res.TargetKeys["carol@example.org"].Source)
	assert.Empty(t, res.TargetKeys["carol@example.org"].Handle)

	rec = do(t, s, "POST", "/api/v1/recommendation", []byte(`{"recipients":[]}`))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, "disable", res.Recommendation)

	rec = do(t, s, "POST", "/api/v1/recommendation", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGossip(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(GossipRequest{KeyData: base64.StdEncoding.EncodeToString([]byte("K1")), Date: time.Now().UTC()})

	rec := do(t, s, "POST", "/api/v1/peers/dave@example.org/gossip", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.Contains(rec.Body.String(), `"outcome":"applied"`))

	rec = do(t, s, "POST", "/api/v1/peers/dave@example.org/gossip", []byte(`{"keydata":"!!"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
