package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

func publicIPService(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func whoami(t *testing.T, ip string) *fakeDNS {
	return &fakeDNS{answer: func(_ string, q dns.Question) (*dns.Msg, error) {
		assert.Equal(t, dns.TypeTXT, q.Qtype)
		return answer(rr(t, q.Name+` 60 IN TXT "`+ip+`"`)), nil
	}}
}

func TestDetectLeaks(t *testing.T) {
	tunnel := target.TunnelSettings{
		Chain:          []target.ProxyHop{{Type: "socks5", Host: "proxy.example.com", Port: 1080}},
		ExpectedExitIP: "203.0.113.7",
	}

	t.Run("no tunnel", func(t *testing.T) {
		res := New(Options{}).DetectLeaks(context.Background(), target.TunnelSettings{}, time.Second)
		assert.False(t, res.Checked)
		assert.False(t, res.Success)
		assert.Equal(t, "no proxy or tunnel configured", res.Error)
	})

	t.Run("clean", func(t *testing.T) {
		fake := whoami(t, "203.0.113.7")
		p := New(Options{
			PublicIPURLs: []string{publicIPService(t, http.StatusOK, "203.0.113.7\n")},
			DNS:          fake,
			WhoamiServer: "10.0.0.53",
		})
		res := p.DetectLeaks(context.Background(), tunnel, time.Second)
		require.True(t, res.Checked)
		assert.True(t, res.Success, res.Notes)
		assert.Equal(t, "203.0.113.7", res.EgressIP)
		assert.Equal(t, "203.0.113.7", res.ResolverEgressIP)
		assert.False(t, res.IPLeak)
		assert.False(t, res.DNSLeak)
		assert.Equal(t, []string{"10.0.0.53:53"}, fake.servers)
	})

	t.Run("leaking", func(t *testing.T) {
		failing := publicIPService(t, http.StatusBadGateway, "")
		p := New(Options{
			PublicIPURLs: []string{failing, publicIPService(t, http.StatusOK, "198.51.100.9")},
			DNS:          whoami(t, "198.51.100.53"),
			WhoamiServer: "10.0.0.53:53",
		})
		res := p.DetectLeaks(context.Background(), tunnel, time.Second)
		assert.False(t, res.Success)
		assert.True(t, res.IPLeak)
		assert.True(t, res.DNSLeak)
		assert.Equal(t, "198.51.100.9", res.EgressIP)
		assert.Len(t, res.Notes, 2)
		assert.Empty(t, res.Error)
	})

	t.Run("public ip unavailable", func(t *testing.T) {
		p := New(Options{
			PublicIPURLs: []string{publicIPService(t, http.StatusOK, "not an address")},
			DNS:          whoami(t, "203.0.113.7"),
			WhoamiServer: "10.0.0.53",
		})
		res := p.DetectLeaks(context.Background(), tunnel, time.Second)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "returned no address")
		assert.False(t, res.DNSLeak)
	})
}
