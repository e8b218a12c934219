package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/text/encoding/unicode"
)

// maxOutputBytes caps each captured stream per host.
const maxOutputBytes = 1 << 20

const signalGrace = 2 * time.Second

// SSHExecutor runs commands over SSH. POSIX hosts get the command through the
// login shell, Windows hosts through PowerShell -EncodedCommand.
type SSHExecutor struct {
	client *SSHClient
}

var _ ports.RemoteExecutor = (*SSHExecutor)(nil)

func NewSSHExecutor(client *SSHClient) *SSHExecutor {
	return &SSHExecutor{client: client}
}

func (e *SSHExecutor) Open(ctx context.Context, host domain.Host, cred *domain.HostCredential) (ports.Session, error) {
	conn, err := e.client.Dial(ctx, host, cred)
	if err != nil {
		return nil, err
	}
	return &sshSession{
		conn:      conn,
		host:      host,
		scriptDir: e.client.config.ScriptDir,
	}, nil
}

type sshSession struct {
	conn      *ssh.Client
	host      domain.Host
	scriptDir string
	closeOnce sync.Once
	closeErr  error
}

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *sshSession) Exec(ctx context.Context, req ports.ExecRequest) (ports.ExecOutput, error) {
	command := req.Command
	switch {
	case req.OSFamily == domain.OSFamilyWindows:
		var err error
		if command, err = windowsCommand(req); err != nil {
			return ports.ExecOutput{}, err
		}
	case req.ScriptLanguage != "":
		scriptPath, err := s.uploadScript(req)
		if err != nil {
			return ports.ExecOutput{}, err
		}
		command = posixScriptCommand(req.ScriptLanguage, scriptPath)
	}
	return s.run(ctx, command)
}

func (s *sshSession) uploadScript(req ports.ExecRequest) (string, error) {
	client, err := sftp.NewClient(s.conn)
	if err != nil {
		return "", Classify(fmt.Errorf("%w: %w", ErrScriptUpload, err))
	}
	defer client.Close()

	remotePath := path.Join(s.scriptDir, "fleet-"+uuid.NewString()+scriptExtension(req.ScriptLanguage))
	f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrScriptUpload, remotePath, err)
	}
	if _, err := f.Write([]byte(req.Command)); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write %s: %w", ErrScriptUpload, remotePath, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %w", ErrScriptUpload, remotePath, err)
	}
	if err := client.Chmod(remotePath, 0o700); err != nil {
		return "", fmt.Errorf("%w: chmod %s: %w", ErrScriptUpload, remotePath, err)
	}
	return remotePath, nil
}

func (s *sshSession) run(ctx context.Context, command string) (ports.ExecOutput, error) {
	session, err := s.conn.NewSession()
	if err != nil {
		return ports.ExecOutput{}, Classify(fmt.Errorf("%w: %w", ErrSSHSession, err))
	}
	defer session.Close()

	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &limitedBuffer{limit: maxOutputBytes}
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		out := ports.ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		return out, Classify(fmt.Errorf("%w: %w", ErrSSHSession, err))

	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(signalGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		_ = session.Close()
		return ports.ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}
}

// windowsCommand wraps the request for powershell.exe. Windows hosts only run
// PowerShell: plain commands and powershell/pwsh scripts are accepted, any
// other script language is refused for that host.
func windowsCommand(req ports.ExecRequest) (string, error) {
	switch strings.ToLower(req.ScriptLanguage) {
	case "", "powershell", "pwsh":
	default:
		return "", fmt.Errorf("%w on windows host: %s (use powershell)", ErrScriptLanguage, req.ScriptLanguage)
	}
	encoded, err := EncodePowerShell(req.Command)
	if err != nil {
		return "", err
	}
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " + encoded, nil
}

// EncodePowerShell returns the base64 UTF-16LE form expected by
// powershell -EncodedCommand.
func EncodePowerShell(script string) (string, error) {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(script)
	if err != nil {
		return "", fmt.Errorf("encode powershell command: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded)), nil
}

var interpreters = map[string]string{
	"bash":       "bash",
	"sh":         "sh",
	"shell":      "sh",
	"zsh":        "zsh",
	"python":     "python3",
	"python3":    "python3",
	"perl":       "perl",
	"ruby":       "ruby",
	"powershell": "pwsh -NoProfile -File",
	"pwsh":       "pwsh -NoProfile -File",
}

var extensions = map[string]string{
	"bash":       ".sh",
	"sh":         ".sh",
	"shell":      ".sh",
	"zsh":        ".zsh",
	"python":     ".py",
	"python3":    ".py",
	"perl":       ".pl",
	"ruby":       ".rb",
	"powershell": ".ps1",
	"pwsh":       ".ps1",
}

func scriptExtension(language string) string {
	if ext, ok := extensions[strings.ToLower(language)]; ok {
		return ext
	}
	return ""
}

// posixScriptCommand runs an uploaded script and removes it, keeping the
// script's exit status.
func posixScriptCommand(language, scriptPath string) string {
	interp := interpreterFor(language)
	quoted := shellQuote(scriptPath)
	return fmt.Sprintf("%s %s; rc=$?; rm -f %s; exit $rc", interp, quoted, quoted)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// limitedBuffer keeps the first limit bytes and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
