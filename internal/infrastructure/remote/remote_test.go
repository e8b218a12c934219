package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		kind ErrorKind
		msg  string
	}{
		{"refused syscall", fmt.Errorf("%w: 10.0.0.1:22: %w", ErrSSHConnection, refused), KindConnectionRefused, "Connection refused"},
		{"deadline", context.DeadlineExceeded, KindTimeout, "Connection timed out"},
		{"auth text", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), KindAuthentication, "Authentication failed"},
		{"no route", errors.New("dial tcp 10.9.9.9:22: connect: no route to host"), KindUnreachable, "Host unreachable"},
		{"reset", errors.New("read tcp: connection reset by peer"), KindConnectionLost, "Connection lost"},
		{"host key", errors.New("ssh: handshake failed: knownhosts: key mismatch"), KindHostKey, "Host key verification failed"},
		{"unknown", errors.New("boom"), KindUnknown, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			var ce *ClassifiedError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.msg, ce.UserMessage())
			assert.True(t, errors.Is(err, tt.err))
		})
	}

	assert.Nil(t, Classify(nil))
	once := Classify(errors.New("connection refused"))
	assert.Same(t, once, Classify(once))
}

func TestEncodePowerShell(t *testing.T) {
	encoded, err := EncodePowerShell("Get-Date")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	require.NoError(t, err)
	assert.Equal(t, "Get-Date", string(decoded))
	assert.Len(t, raw, 2*len("Get-Date"))
}

func TestWindowsCommand(t *testing.T) {
	for _, lang := range []string{"", "powershell", "PWSH"} {
		cmd, err := windowsCommand(ports.ExecRequest{Command: "Get-Date", ScriptLanguage: lang, OSFamily: domain.OSFamilyWindows})
		require.NoError(t, err, lang)
		assert.Contains(t, cmd, "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand ")
	}

	for _, lang := range []string{"bash", "python"} {
		_, err := windowsCommand(ports.ExecRequest{Command: "echo hi", ScriptLanguage: lang, OSFamily: domain.OSFamilyWindows})
		assert.ErrorIs(t, err, ErrScriptLanguage, lang)
		assert.Contains(t, err.Error(), lang)
	}
}

func TestPosixScriptCommand(t *testing.T) {
	assert.Equal(t, "python3 '/tmp/fleet-1.py'; rc=$?; rm -f '/tmp/fleet-1.py'; exit $rc",
		posixScriptCommand("Python", "/tmp/fleet-1.py"))
	assert.Equal(t, "sh '/tmp/it'\\''s'; rc=$?; rm -f '/tmp/it'\\''s'; exit $rc",
		posixScriptCommand("unknown", "/tmp/it's"))
	assert.Equal(t, ".sh", scriptExtension("BASH"))
	assert.Equal(t, "", scriptExtension("cobol"))
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd\n[output truncated]", b.String())
}

func TestLocalExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	ctx := context.Background()
	session, err := NewLocalExecutor().Open(ctx, domain.Host{ConnectionType: domain.ConnectionLocal}, nil)
	require.NoError(t, err)
	defer session.Close()

	out, err := session.Exec(ctx, ports.ExecRequest{Command: "echo hello; echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)

	out, err = session.Exec(ctx, ports.ExecRequest{Command: "echo from-script\n", ScriptLanguage: "sh"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "from-script\n", out.Stdout)
}

func TestLocalExecutorCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	session, err := NewLocalExecutor().Open(ctx, domain.Host{}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = session.Exec(ctx, ports.ExecRequest{Command: "sleep 10"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMockExecutorCounts(t *testing.T) {
	ctx := context.Background()
	m := NewMockExecutor()
	m.SetDefault(MockResult{Stdout: "ok"})
	m.Set("bad", MockResult{OpenErr: errors.New("connection refused")})

	_, err := m.Open(ctx, domain.Host{Hostname: "bad"}, nil)
	require.Error(t, err)

	s, err := m.Open(ctx, domain.Host{Hostname: "good"}, nil)
	require.NoError(t, err)
	out, err := s.Exec(ctx, ports.ExecRequest{Command: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Stdout)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, m.Opened())
	assert.Equal(t, 1, m.Closed())
	assert.Equal(t, 1, m.MaxActive())
	assert.Equal(t, []string{"good"}, m.Started())
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/ops")

	assert.Equal(t, filepath.Join("/home/ops", ".ssh/known_hosts"), expandHome("~/.ssh/known_hosts"))
	assert.Equal(t, "/etc/ssh/known_hosts", expandHome("/etc/ssh/known_hosts"))
	assert.Equal(t, "~ops/known_hosts", expandHome("~ops/known_hosts"))
}
