package probe

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mtuRunner answers don't-fragment pings up to limit bytes of payload.
func mtuRunner(limit int) *fakeRunner {
	return &fakeRunner{run: func(_ string, args []string) (CommandResult, error) {
		for i, a := range args {
			if (a == "-s" || a == "-l") && i+1 < len(args) {
				size, _ := strconv.Atoi(args[i+1])
				if size <= limit {
					return CommandResult{Stdout: "1 packets transmitted, 1 received"}, nil
				}
				return CommandResult{Stderr: "message too long", ExitCode: 1}, nil
			}
		}
		return CommandResult{ExitCode: 2}, nil
	}}
}

func TestDiscoverMTU(t *testing.T) {
	t.Run("reduced path", func(t *testing.T) {
		runner := mtuRunner(1372)
		res := New(Options{Commands: runner, GOOS: "linux"}).DiscoverMTU(context.Background(), "10.0.0.5", time.Second)
		require.True(t, res.Success, res.Error)
		assert.Equal(t, 1372, res.MaxPayload)
		assert.Equal(t, 1400, res.PathMTU)
		assert.True(t, res.FragmentationIssue)
		assert.Equal(t, len(runner.calls), res.Probes)
		assert.Equal(t, []string{"ping", "-c", "1", "-W", "1", "-M", "do", "-s", "548", "10.0.0.5"}, runner.calls[0])
	})

	t.Run("full ethernet", func(t *testing.T) {
		res := New(Options{Commands: mtuRunner(9000), GOOS: "linux"}).DiscoverMTU(context.Background(), "10.0.0.5", time.Second)
		require.True(t, res.Success)
		assert.Equal(t, 1500, res.PathMTU)
		assert.False(t, res.FragmentationIssue)
	})

	t.Run("windows flags", func(t *testing.T) {
		runner := mtuRunner(1472)
		res := New(Options{Commands: runner, GOOS: "windows"}).DiscoverMTU(context.Background(), "10.0.0.5", time.Second)
		require.True(t, res.Success)
		assert.Contains(t, runner.calls[0], "-f")
		assert.Contains(t, runner.calls[0], "-l")
	})

	t.Run("no answer", func(t *testing.T) {
		res := New(Options{Commands: mtuRunner(0)}).DiscoverMTU(context.Background(), "10.0.0.5", time.Second)
		assert.False(t, res.Success)
		assert.Equal(t, "host did not answer 576-byte don't-fragment probes", res.Error)
		assert.Equal(t, 1, res.Probes)
	})

	t.Run("ping missing", func(t *testing.T) {
		runner := &fakeRunner{run: func(string, []string) (CommandResult, error) {
			return CommandResult{}, &exec.Error{Name: "ping", Err: exec.ErrNotFound}
		}}
		res := New(Options{Commands: runner}).DiscoverMTU(context.Background(), "10.0.0.5", time.Second)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "ping:")
	})
}

const linuxTraceroute = `traceroute to 8.8.8.8 (8.8.8.8), 20 hops max, 60 byte packets
 1  192.168.1.1  0.512 ms
 2  *
 3  10.10.0.1  4.221 ms
 4  8.8.8.8  11.004 ms
`

const windowsTracert = `
Tracing route to 8.8.8.8 over a maximum of 20 hops

  1    <1 ms    <1 ms    <1 ms  192.168.1.1
  2     *        *        *     Request timed out.
  3    12 ms    11 ms    12 ms  8.8.8.8

Trace complete.
`

func TestParseTraceroute(t *testing.T) {
	hops := ParseTraceroute(linuxTraceroute)
	require.Len(t, hops, 4)
	assert.Equal(t, "192.168.1.1", hops[0].IP)
	assert.InDelta(t, float64(512*time.Microsecond), float64(hops[0].RTT), float64(time.Microsecond))
	assert.Equal(t, Hop{TTL: 2, Timeout: true}, hops[1])
	assert.Equal(t, 4, hops[3].TTL)
	assert.Equal(t, "8.8.8.8", hops[3].IP)
	assert.InDelta(t, float64(11004*time.Microsecond), float64(hops[3].RTT), float64(time.Microsecond))

	hops = ParseTraceroute(windowsTracert)
	require.Len(t, hops, 3)
	assert.Equal(t, "192.168.1.1", hops[0].IP)
	assert.Equal(t, time.Millisecond, hops[0].RTT)
	assert.True(t, hops[1].Timeout)
	assert.Equal(t, Hop{TTL: 3, IP: "8.8.8.8", RTT: 12 * time.Millisecond}, hops[2])

	assert.Empty(t, ParseTraceroute(""))
}

func TestTraceroute(t *testing.T) {
	tests := []struct {
		name    string
		goos    string
		host    string
		stdout  string
		err     error
		command string
		success bool
		reached bool
		wantErr string
	}{
		{name: "reached", goos: "linux", host: "8.8.8.8", stdout: linuxTraceroute, command: "traceroute", success: true, reached: true},
		{name: "not reached", goos: "linux", host: "1.1.1.1", stdout: linuxTraceroute, command: "traceroute", success: true},
		{name: "windows", goos: "windows", host: "8.8.8.8", stdout: windowsTracert, command: "tracert", success: true, reached: true},
		{name: "missing", goos: "linux", host: "8.8.8.8", err: &exec.Error{Name: "traceroute", Err: exec.ErrNotFound}, command: "traceroute", wantErr: "traceroute command not found"},
		{name: "empty", goos: "linux", host: "8.8.8.8", command: "traceroute", wantErr: "traceroute produced no hops"},
		{name: "killed", goos: "linux", host: "8.8.8.8", err: errors.New("signal: killed"), command: "traceroute", wantErr: "signal: killed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{run: func(string, []string) (CommandResult, error) {
				return CommandResult{Stdout: tt.stdout}, tt.err
			}}
			res := New(Options{Commands: runner, GOOS: tt.goos}).Traceroute(context.Background(), tt.host, 0, time.Second)
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.reached, res.Reached)
			assert.Equal(t, tt.wantErr, res.Error)
			require.Len(t, runner.calls, 1)
			assert.Equal(t, tt.command, runner.calls[0][0])
			assert.Contains(t, runner.calls[0], "20")
		})
	}
}
