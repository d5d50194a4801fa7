//go:build unix

package launcher

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelvisor/internal/alloc"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func shLauncher(t *testing.T, script string) *Launcher {
	t.Helper()
	l, err := New(Config{Command: "/bin/sh", Args: []string{"-c", script}, SlotEnv: "MV_TEST_SLOT"})
	require.NoError(t, err)
	return l
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestCommandTemplate(t *testing.T) {
	l, err := New(Config{Command: "llama-server", Host: "0.0.0.0"})
	require.NoError(t, err)
	argv := l.Command(Spec{ModelID: "m1", ArtifactPath: "/c/m.gguf", Port: 9001, Slot: "0", Args: []string{"--alias", "{id}"}})
	assert.Equal(t, []string{"llama-server", "-m", "/c/m.gguf", "--host", "0.0.0.0", "--port", "9001", "--alias", "m1"}, argv)
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestLaunchAndGracefulStop(t *testing.T) {
	l := shLauncher(t, "while :; do sleep 0.05; done")
	p, err := l.Launch(context.Background(), Spec{ModelID: "m", Port: freePort(t)})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)
	assert.False(t, p.Exited())

	require.NoError(t, p.Stop(context.Background(), 5*time.Second))
	assert.True(t, p.Exited())
	assert.Error(t, p.ExitErr(), "terminated by signal")
	require.NoError(t, p.Terminate(true), "signalling an exited process is a no-op")
}

func TestStopEscalatesToKill(t *testing.T) {
	l := shLauncher(t, "trap '' TERM; while :; do sleep 0.05; done")
	p, err := l.Launch(context.Background(), Spec{ModelID: "m", Port: freePort(t)})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // let the trap install

	start := time.Now()
	require.NoError(t, p.Stop(context.Background(), 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, p.Exited())
}

func TestExitReasonIncludesStderrTail(t *testing.T) {
	l := shLauncher(t, "echo loading >&2; echo 'model file is corrupt' >&2; exit 3")
	p, err := l.Launch(context.Background(), Spec{ModelID: "m", Port: freePort(t)})
	require.NoError(t, err)
	waitDone(t, p)

	require.Error(t, p.ExitErr())
	assert.Contains(t, p.StderrTail(), "loading")
	reason := p.ExitReason()
	assert.Contains(t, reason, "exit status 3")
	assert.True(t, strings.HasSuffix(reason, "model file is corrupt"), reason)
}

func TestSlotEnv(t *testing.T) {
	l := shLauncher(t, `echo "slot=[$MV_TEST_SLOT]" >&2`)
	p, err := l.Launch(context.Background(), Spec{ModelID: "m", Port: freePort(t), Slot: "1"})
	require.NoError(t, err)
	waitDone(t, p)
	assert.Contains(t, p.StderrTail(), "slot=[1]")

	p, err = l.Launch(context.Background(), Spec{ModelID: "m", Port: freePort(t), Slot: alloc.SharedSlot})
	require.NoError(t, err)
	waitDone(t, p)
	assert.Contains(t, p.StderrTail(), "slot=[]")
}

func TestLaunchRejectsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	l := shLauncher(t, "exit 0")
	_, err = l.Launch(context.Background(), Spec{ModelID: "m", Port: ln.Addr().(*net.TCPAddr).Port})
	require.Error(t, err)
	assert.True(t, IsLaunch(err))
}

func TestLaunchMissingBinary(t *testing.T) {
	l, err := New(Config{Command: "/nonexistent/backend-binary"})
	require.NoError(t, err)
	_, err = l.Launch(context.Background(), Spec{ModelID: "m", Port: freePort(t)})
	require.Error(t, err)
	assert.True(t, IsLaunch(err))
}

func TestLaunchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := shLauncher(t, "exit 0").Launch(ctx, Spec{ModelID: "m", Port: freePort(t)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())
}
