package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
)

// offlineRunner runs the orchestrator without network access, so every
// probe reports the baseline failure.
func offlineRunner() *diagnostics.Orchestrator {
	return diagnostics.New(nil, nil, diagnostics.Options{})
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/diagnostics?" + query
}

func TestDiagnosticsStream(t *testing.T) {
	h := New(Options{Diagnostics: offlineRunner()})
	srv := httptest.NewServer(Secure(h.Routes(), nil, nil))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "host=rds.example.com&port=3390&protocol=rdp"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var events []map[string]any
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		events = append(events, msg)
	}

	require.Len(t, events, 17)
	for _, ev := range events[:16] {
		assert.Equal(t, "result", ev["type"])
		result, ok := ev["result"].(map[string]any)
		require.True(t, ok)
		if ev["probe"] != string(diagnostics.SlotIPClassification) {
			assert.Equal(t, "network stack unavailable", result["error"])
		}
	}

	complete := events[16]
	assert.Equal(t, "complete", complete["type"])
	results, ok := complete["results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, complete["runId"], results["runId"])
	tgt, ok := results["target"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rds.example.com", tgt["hostname"])
	assert.Equal(t, float64(3390), tgt["port"])
}

func TestDiagnosticsRejects(t *testing.T) {
	h := New(Options{Diagnostics: offlineRunner(), AllowedOrigins: []string{"https://desk.example.com"}})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	tests := []struct {
		name   string
		query  string
		origin string
		status int
	}{
		{name: "missing host", query: "protocol=rdp", status: http.StatusBadRequest},
		{name: "bad port", query: "host=10.0.0.5&port=rdp", status: http.StatusBadRequest},
		{name: "port out of range", query: "host=10.0.0.5&port=70000", status: http.StatusBadRequest},
		{name: "unknown protocol", query: "host=10.0.0.5&protocol=gopher", status: http.StatusBadRequest},
		{name: "foreign origin", query: "host=10.0.0.5", origin: "https://evil.example.net", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.query), header)
			if conn != nil {
				conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestDiagnosticsNotConfigured(t *testing.T) {
	rr := httptest.NewRecorder()
	New(Options{}).Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/diagnostics?host=10.0.0.5", nil))
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestIsAllowedOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{"no origin header", "", nil, true},
		{"localhost", "http://localhost:8080", nil, true},
		{"loopback", "http://127.0.0.1:8080", nil, true},
		{"ipv6 loopback", "http://[::1]:8080", nil, true},
		{"localhost prefix of foreign host", "https://localhost.evil.example", nil, false},
		{"loopback prefix of foreign host", "http://127.0.0.1.evil.example", nil, false},
		{"ipv6 loopback prefix", "http://[::1].evil.example", nil, false},
		{"foreign without list", "https://example.com", nil, false},
		{"listed with scheme", "https://desk.example.com", []string{"https://desk.example.com"}, true},
		{"listed without scheme", "https://desk.example.com/", []string{"desk.example.com"}, true},
		{"wildcard", "https://any.example.org", []string{"*"}, true},
		{"not listed", "https://evil.example.net", []string{"https://desk.example.com", " "}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAllowedOrigin(tt.origin, tt.allowed))
		})
	}
}
