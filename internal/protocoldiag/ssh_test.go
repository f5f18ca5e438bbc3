package protocoldiag

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// sshServer runs an in-process SSH server accepting alice/secret. Setting
// kex restricts the key exchange algorithms it offers.
func sshServer(t *testing.T, kex ...string) target.Target {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		ServerVersion: "SSH-2.0-netdiag_test",
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == "alice" && string(password) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.KeyExchanges = kex
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg)
		}
	}()

	return sshTarget(ln.Addr().(*net.TCPAddr).Port)
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(creqs)
		go func() {
			time.Sleep(time.Second)
			_ = ch.Close()
		}()
	}
}

func sshTarget(port int) target.Target {
	t := target.New("127.0.0.1", target.ProtocolSSH)
	t.Port = port
	return t
}

func statuses(r *Report) map[string]Status {
	out := make(map[string]Status, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestDiagnoseSSH(t *testing.T) {
	d := New(Options{StepTimeout: 3 * time.Second})

	t.Run("all steps pass", func(t *testing.T) {
		tgt := sshServer(t)
		tgt.Credentials = target.Credentials{Username: "alice", Password: "secret"}

		r := d.Diagnose(context.Background(), target.ProtocolSSH, tgt)
		require.Len(t, r.Steps, 5)
		for _, s := range r.Steps {
			assert.Equal(t, StatusPass, s.Status, "%s: %s", s.Name, s.Message)
		}
		assert.Equal(t, []string{StepTCPConnect, StepBanner, StepKeyExchange, StepAuth, StepSession},
			[]string{r.Steps[0].Name, r.Steps[1].Name, r.Steps[2].Name, r.Steps[3].Name, r.Steps[4].Name})
		assert.Equal(t, "5 of 5 checks passed", r.Summary)
		assert.Equal(t, "127.0.0.1", r.ResolvedIP)
		assert.Empty(t, r.RootCauseHint)
		assert.True(t, r.Passed())

		banner, _ := r.Step(StepBanner)
		assert.Equal(t, "netdiag_test", banner.Detail["software"])
		kex, _ := r.Step(StepKeyExchange)
		assert.Equal(t, ssh.KeyAlgoED25519, kex.Detail["hostKeyType"])
		assert.Contains(t, kex.Detail["fingerprint"], "SHA256:")
	})

	t.Run("wrong password", func(t *testing.T) {
		tgt := sshServer(t)
		tgt.Credentials = target.Credentials{Username: "alice", Password: "guess"}

		r := d.Diagnose(context.Background(), target.ProtocolSSH, tgt)
		got := statuses(r)
		assert.Equal(t, StatusPass, got[StepKeyExchange])
		assert.Equal(t, StatusFail, got[StepAuth])
		assert.Equal(t, StatusSkip, got[StepSession])
		assert.Contains(t, r.RootCauseHint, "authentication failed")
	})

	t.Run("no credentials", func(t *testing.T) {
		r := d.Diagnose(context.Background(), target.ProtocolSSH, sshServer(t))
		got := statuses(r)
		assert.Equal(t, StatusSkip, got[StepAuth])
		assert.Equal(t, StatusSkip, got[StepSession])
		assert.Equal(t, "3 of 3 checks passed", r.Summary)
		assert.Empty(t, r.RootCauseHint)
	})

	t.Run("no common key exchange", func(t *testing.T) {
		tgt := sshServer(t, "diffie-hellman-group1-sha1")
		tgt.Credentials = target.Credentials{Username: "alice", Password: "secret"}

		r := d.Diagnose(context.Background(), target.ProtocolSSH, tgt)
		got := statuses(r)
		assert.Equal(t, StatusPass, got[StepBanner])
		assert.Equal(t, StatusFail, got[StepKeyExchange])
		assert.Equal(t, StatusSkip, got[StepAuth])
		assert.Contains(t, r.RootCauseHint, "no common")
	})

	t.Run("not ssh", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
			_ = conn.Close()
		}()

		r := d.Diagnose(context.Background(), target.ProtocolSSH, sshTarget(ln.Addr().(*net.TCPAddr).Port))
		got := statuses(r)
		assert.Equal(t, StatusPass, got[StepTCPConnect])
		assert.Equal(t, StatusFail, got[StepBanner])
		assert.Equal(t, StatusSkip, got[StepKeyExchange])
	})

	t.Run("closed port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		r := d.Diagnose(context.Background(), target.ProtocolSSH, sshTarget(port))
		require.Len(t, r.Steps, 5)
		assert.Equal(t, StatusFail, r.Steps[0].Status)
		for _, s := range r.Steps[1:] {
			assert.Equal(t, StatusSkip, s.Status)
		}
		assert.Equal(t, "0 of 1 checks passed", r.Summary)
		assert.Contains(t, r.RootCauseHint, "TCP connection failed")
	})
}

func TestSplitSSHVersion(t *testing.T) {
	tests := []struct {
		line, proto, software string
	}{
		{"SSH-2.0-OpenSSH_9.6p1 Ubuntu-3ubuntu13", "2.0", "OpenSSH_9.6p1"},
		{"SSH-1.99-Cisco-1.25", "1.99", "Cisco-1.25"},
		{"SSH-2.0-", "2.0", ""},
		{"SSH-1.5", "1.5", ""},
	}
	for _, tt := range tests {
		proto, software := splitSSHVersion(tt.line)
		assert.Equal(t, tt.proto, proto, tt.line)
		assert.Equal(t, tt.software, software, tt.line)
	}
}

func TestSSHAuthMethods(t *testing.T) {
	methods, err := sshAuthMethods(target.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Len(t, methods, 2)

	methods, err = sshAuthMethods(target.Credentials{Username: "alice", PrivateKey: "not a key"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unable to authenticate")
	assert.Empty(t, methods)
}
