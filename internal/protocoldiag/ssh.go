package protocoldiag

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

const (
	maxBannerLines = 20
	maxBannerLine  = 255
)

var errNoBanner = errors.New("server sent no SSH identification string")

// replayConn hands bytes already consumed while reading the banner back to
// the SSH transport.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func (d *Diagnoser) diagnoseSSH(ctx context.Context, t target.Target, r *Report) {
	conn := d.connect(ctx, t, r)
	if conn == nil {
		for _, name := range []string{StepBanner, StepKeyExchange, StepAuth, StepSession} {
			skipped(r, name, StepTCPConnect)
		}
		return
	}
	defer conn.Close()

	var (
		consumed []byte
		br       = bufio.NewReader(conn)
	)
	banner := d.run(ctx, r, StepBanner, func(ctx context.Context, s *Step) {
		defer bind(ctx, conn)()

		line, raw, err := readSSHBanner(br)
		consumed = raw
		if err != nil {
			s.fail(err)
			return
		}
		proto, software := splitSSHVersion(line)
		s.set("banner", line)
		s.set("software", software)
		if proto != "2.0" && proto != "1.99" {
			s.fail(fmt.Errorf("server speaks SSH protocol %s only", proto))
			return
		}
		s.pass("%s", line)
	})
	if banner.Status != StatusPass {
		for _, name := range []string{StepKeyExchange, StepAuth, StepSession} {
			skipped(r, name, StepBanner)
		}
		return
	}

	methods, keyErr := sshAuthMethods(t.Credentials)
	var (
		hostKey ssh.PublicKey
		kexDone time.Time
	)
	cfg := &ssh.ClientConfig{
		User: t.Credentials.Username,
		Auth: methods,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			hostKey, kexDone = key, time.Now()
			return nil
		},
	}

	hsCtx, cancel := context.WithTimeout(ctx, 2*d.opts.StepTimeout)
	unbind := bind(hsCtx, conn)
	start := time.Now()
	sshConn, chans, reqs, err := ssh.NewClientConn(&replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(consumed), br)}, t.Address(), cfg)
	end := time.Now()
	unbind()
	cancel()

	kex := Step{Name: StepKeyExchange}
	if hostKey == nil {
		kex.Duration = end.Sub(start)
		kex.fail(err)
		r.add(kex)
		skipped(r, StepAuth, StepKeyExchange)
		skipped(r, StepSession, StepKeyExchange)
		return
	}
	kex.Duration = kexDone.Sub(start)
	kex.pass("negotiated %s host key", hostKey.Type())
	kex.set("hostKeyType", hostKey.Type())
	kex.set("fingerprint", ssh.FingerprintSHA256(hostKey))
	r.add(kex)

	authStep := Step{Name: StepAuth, Duration: end.Sub(kexDone)}
	switch {
	case err == nil:
		authStep.pass("authenticated as %q", t.Credentials.Username)
	case t.Credentials.Empty() && keyErr == nil:
		authStep.skip("no credentials supplied")
	case keyErr != nil && len(methods) == 0:
		authStep.fail(keyErr)
	default:
		authStep.fail(err)
	}
	r.add(authStep)
	if err != nil {
		skipped(r, StepSession, StepAuth)
		return
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	d.run(ctx, r, StepSession, func(ctx context.Context, s *Step) {
		defer bind(ctx, conn)()
		session, err := client.NewSession()
		if err != nil {
			s.fail(err)
			return
		}
		_ = session.Close()
		s.pass("session channel opened")
	})
}

// readSSHBanner reads lines until the SSH identification string. Servers
// may send other lines first. All bytes read are returned in raw.
func readSSHBanner(br *bufio.Reader) (line string, raw []byte, err error) {
	for i := 0; i < maxBannerLines; i++ {
		b, err := br.ReadSlice('\n')
		raw = append(raw, b...)
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) || len(b) > maxBannerLine {
				return "", raw, errNoBanner
			}
			if errors.Is(err, io.EOF) {
				return "", raw, fmt.Errorf("%w: connection closed", errNoBanner)
			}
			return "", raw, err
		}
		text := strings.TrimRight(string(b), "\r\n")
		if strings.HasPrefix(text, "SSH-") {
			return text, raw, nil
		}
	}
	return "", raw, errNoBanner
}

// splitSSHVersion splits "SSH-2.0-OpenSSH_9.6 comment" into protocol and
// software version.
func splitSSHVersion(line string) (proto, software string) {
	parts := strings.SplitN(strings.TrimPrefix(line, "SSH-"), "-", 2)
	proto = parts[0]
	if len(parts) == 2 {
		if fields := strings.Fields(parts[1]); len(fields) > 0 {
			software = fields[0]
		}
	}
	return proto, software
}

func sshAuthMethods(c target.Credentials) ([]ssh.AuthMethod, error) {
	var (
		methods []ssh.AuthMethod
		keyErr  error
	)
	if c.PrivateKey != "" {
		var (
			signer ssh.Signer
			err    error
		)
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
		}
		if err != nil {
			keyErr = fmt.Errorf("unable to authenticate: private key: %w", err)
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods, keyErr
}
