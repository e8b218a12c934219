package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
)

// LocalExecutor runs commands on the control host itself, for connections of
// type local.
type LocalExecutor struct{}

var _ ports.RemoteExecutor = LocalExecutor{}

func NewLocalExecutor() LocalExecutor {
	return LocalExecutor{}
}

func (LocalExecutor) Open(ctx context.Context, host domain.Host, cred *domain.HostCredential) (ports.Session, error) {
	return &localSession{}, nil
}

type localSession struct{}

func (*localSession) Close() error { return nil }

func (*localSession) Exec(ctx context.Context, req ports.ExecRequest) (ports.ExecOutput, error) {
	var (
		cmd     *exec.Cmd
		cleanup = func() {}
	)
	if req.ScriptLanguage != "" && runtime.GOOS != "windows" {
		f, err := os.CreateTemp("", "fleet-*"+scriptExtension(req.ScriptLanguage))
		if err != nil {
			return ports.ExecOutput{}, fmt.Errorf("%w: %w", ErrScriptUpload, err)
		}
		cleanup = func() { os.Remove(f.Name()) }
		if _, err := f.WriteString(req.Command); err != nil {
			f.Close()
			cleanup()
			return ports.ExecOutput{}, fmt.Errorf("%w: %w", ErrScriptUpload, err)
		}
		f.Close()
		interp := strings.Fields(interpreterFor(req.ScriptLanguage))
		cmd = exec.CommandContext(ctx, interp[0], append(interp[1:], f.Name())...) // #nosec G204
	} else {
		cmd = commandFor(ctx, req.Command)
	}
	defer cleanup()

	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &limitedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return sendTermination(cmd.Process) }
	cmd.WaitDelay = signalGrace

	err := cmd.Run()
	out := ports.ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, err
	}
	return out, nil
}

func commandFor(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

func interpreterFor(language string) string {
	if interp, ok := interpreters[strings.ToLower(language)]; ok {
		return interp
	}
	return "sh"
}

func sendTermination(process *os.Process) error {
	if process == nil {
		return nil
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}
