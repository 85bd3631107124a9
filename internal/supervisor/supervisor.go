package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/metyatech/agent-runner/internal/logging"
)

// PromptMode selects how the templated prompt reaches the subprocess.
type PromptMode string

const (
	PromptStdin PromptMode = "stdin"
	PromptArg   PromptMode = "arg"
)

// Spec describes one subprocess invocation.
type Spec struct {
	Command     string
	Args        []string
	Cwd         string
	EnvOverlay  map[string]string
	Prompt      string
	PromptMode  PromptMode
	Timeout     time.Duration
	GraceWindow time.Duration
	LogPath     string

	// OnStart, if set, is called synchronously with the subprocess PID
	// right after it is spawned, before Run blocks on its output. Callers
	// use it to record the spawn-time Activity/Running-Issue state that
	// stalled-recovery depends on.
	OnStart func(pid int)
}

// Supervisor runs agent subprocesses and classifies their outcomes.
type Supervisor struct {
	Logger *logging.Logger
}

// New returns a Supervisor logging through logger.
func New(logger *logging.Logger) *Supervisor {
	return &Supervisor{Logger: logger}
}

// Run spawns the subprocess described by spec, streams its output to
// both the log file and stdout (tag-prefixed, line-buffered), enforces
// the timeout with a graceful-then-forceful termination (SIGTERM to the
// process group, then a kill once GraceWindow passes; a zero GraceWindow
// kills the subprocess outright), and returns the classified Outcome.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return Outcome{}, errors.Wrapf(err, "creating log directory for %s", spec.LogPath)
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "opening log %s append-exclusive", spec.LogPath)
	}
	defer logFile.Close()

	header := fmt.Sprintf("[%s] cmd=%s %s cwd=%s\n",
		time.Now().UTC().Format(time.RFC3339), spec.Command, strings.Join(spec.Args, " "), spec.Cwd)
	if _, err := logFile.WriteString(header); err != nil {
		return Outcome{}, errors.Wrap(err, "writing log header")
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(spec.EnvOverlay)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.GraceWindow > 0 {
		cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM) }
		cmd.WaitDelay = spec.GraceWindow
	}

	var stdin io.WriteCloser
	if spec.PromptMode == PromptStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return Outcome{}, errors.Wrap(err, "creating stdin pipe")
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, errors.Wrap(err, "creating stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, errors.Wrap(err, "creating stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, errors.Wrap(err, "spawning subprocess")
	}
	if spec.OnStart != nil {
		spec.OnStart(cmd.Process.Pid)
	}

	if stdin != nil {
		_, _ = io.WriteString(stdin, spec.Prompt)
		stdin.Close()
	}

	var mu sync.Mutex
	var captured strings.Builder
	var wg errgroup.Group
	wg.Go(func() error { return stream(stdout, logFile, &mu, &captured, "out") })
	wg.Go(func() error { return stream(stderr, logFile, &mu, &captured, "err") })
	streamErr := wg.Wait()

	waitErr := cmd.Wait()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	if timedOut {
		s.terminate(cmd, spec.GraceWindow)
	}

	if streamErr != nil && s.Logger != nil {
		s.Logger.WithField("log_path", spec.LogPath).WithError(streamErr).Warn("error streaming subprocess output")
	}

	output := captured.String()
	exitCode := exitCodeOf(waitErr)

	if timedOut {
		status, summary, _ := ParseFinalPayload(output)
		return Outcome{
			Success:      false,
			ExitCode:     exitCode,
			LogPath:      spec.LogPath,
			FailureKind:  FailureTimeout,
			FailureStage: "timeout",
			Status:       status,
			Summary:      summary,
		}, nil
	}

	if waitErr == nil {
		status, summary, _ := ParseFinalPayload(output)
		return Outcome{
			Success:  true,
			ExitCode: 0,
			LogPath:  spec.LogPath,
			Status:   status,
			Summary:  summary,
		}, nil
	}

	kind, detail, resumeAt := ClassifyExit(output, waitErr, false)
	status, summary, _ := ParseFinalPayload(output)
	if status == "needs_user_reply" {
		kind = FailureNeedsUser
	}
	return Outcome{
		Success:       false,
		ExitCode:      exitCode,
		LogPath:       spec.LogPath,
		FailureKind:   kind,
		FailureStage:  "exit",
		FailureDetail: detail,
		QuotaResumeAt: resumeAt,
		Status:        status,
		Summary:       summary,
	}, nil
}

// terminate sends SIGTERM to the process group, waits grace, then SIGKILL.
func (s *Supervisor) terminate(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	time.Sleep(grace)
	_ = syscall.Kill(pgid, syscall.SIGKILL)
}

func stream(r io.Reader, logFile io.Writer, mu *sync.Mutex, captured *strings.Builder, tag string) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk := make([]byte, 4096)
		n, err := reader.Read(chunk)
		if n > 0 {
			normalized := NormalizeChunk(chunk[:n])
			mu.Lock()
			captured.WriteString(normalized)
			_, _ = io.WriteString(logFile, normalized)
			for _, line := range strings.Split(normalized, "\n") {
				if line == "" {
					continue
				}
				fmt.Printf("[%s] %s\n", tag, line)
			}
			mu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func buildEnv(overlay map[string]string) []string {
	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}
