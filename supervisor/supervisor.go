package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod is how long Stop waits for the backend to exit after the termination signal
// before it is killed.
const DefaultGracePeriod = 10 * time.Second

var (
	// ErrConfiguration is returned by Start when the working directory or entrypoint are unusable.
	ErrConfiguration = errors.New("configuration error")
	// ErrAlreadyStarted is returned by Start if the supervisor has already launched its backend.
	ErrAlreadyStarted = errors.New("backend already started")
)

// OutputMode controls where the backend's stdout and stderr go.
type OutputMode int

const (
	// OutputCapture merges stdout and stderr and logs them line by line.
	OutputCapture OutputMode = iota
	// OutputInherit passes the backend's output straight through to the configured writers,
	// which default to the parent's stdout and stderr.
	OutputInherit
)

type StartRequest struct {
	WorkingDir string
	// Command is the entrypoint. A relative path containing a separator is resolved against WorkingDir,
	// a bare name is looked up in PATH.
	Command string
	Args    []string
	// Env holds KEY=VALUE pairs. When InheritEnv is set they are appended to the parent's environment,
	// otherwise they are the backend's entire environment.
	Env        []string
	InheritEnv bool
}

// Backend describes a launched backend process.
type Backend struct {
	Pid        int
	WorkingDir string
	Entrypoint string
	Args       []string
	Env        []string
	StartTime  time.Time
}

// Supervisor owns a single backend process: it starts it, records how it exits, and stops it
// with a graceful signal followed by a kill once the grace period runs out.
// A Supervisor launches at most one process over its lifetime.
type Supervisor struct {
	log       *zap.SugaredLogger
	outputLog *zap.SugaredLogger

	gracePeriod time.Duration
	waitDelay   time.Duration
	output      OutputMode
	stdout      io.Writer
	stderr      io.Writer

	mut      sync.Mutex
	state    State
	cmd      *exec.Cmd
	backend  *Backend
	exitCode int
	exitErr  error
	done     chan struct{}
}

type Option func(s *Supervisor)

// WithGracePeriod sets the grace period used when Stop is called without one.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		s.gracePeriod = d
	}
}

func WithOutput(m OutputMode) Option {
	return func(s *Supervisor) {
		s.output = m
	}
}

// WithOutputWriters sets the writers used in OutputInherit mode.
func WithOutputWriters(stdout, stderr io.Writer) Option {
	return func(s *Supervisor) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// WithWaitDelay bounds how long waiting on the process blocks on output pipes held open by
// descendants after the process itself has exited.
func WithWaitDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.waitDelay = d
	}
}

func New(log *zap.SugaredLogger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Supervisor{
		log:         log.Named("supervisor"),
		outputLog:   log.Named("backend"),
		gracePeriod: DefaultGracePeriod,
		waitDelay:   5 * time.Second,
		output:      OutputCapture,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start validates the request and launches the backend.
func (s *Supervisor) Start(req StartRequest) (*Backend, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.state != StateNotStarted {
		return nil, ErrAlreadyStarted
	}

	entrypoint, err := resolveEntrypoint(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(entrypoint, req.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = buildEnv(req)
	cmd.WaitDelay = s.waitDelay
	setProcessGroup(cmd)

	var output *lineWriter
	switch s.output {
	case OutputInherit:
		cmd.Stdout = s.stdout
		cmd.Stderr = s.stderr
	default:
		// exec serializes writes when stdout and stderr are the same writer.
		output = &lineWriter{log: s.outputLog}
		cmd.Stdout = output
		cmd.Stderr = output
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting backend %q: %w", entrypoint, err)
	}

	s.cmd = cmd
	s.state = StateRunning
	s.backend = &Backend{
		Pid:        cmd.Process.Pid,
		WorkingDir: req.WorkingDir,
		Entrypoint: entrypoint,
		Args:       req.Args,
		Env:        cmd.Env,
		StartTime:  time.Now(),
	}
	s.log.Infow("backend started",
		"pid", cmd.Process.Pid,
		"entrypoint", entrypoint,
		"args", req.Args,
		"dir", req.WorkingDir,
	)

	go s.wait(cmd, output)

	b := *s.backend
	return &b, nil
}

func (s *Supervisor) wait(cmd *exec.Cmd, output *lineWriter) {
	err := cmd.Wait()
	if output != nil {
		output.Close()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mut.Lock()
	s.exitCode = exitCode
	s.exitErr = err
	switch {
	case s.state == StateTerminating:
		s.state = StateStopped
	case exitCode == 0:
		s.state = StateStopped
		s.log.Warnw("backend exited on its own", "pid", cmd.Process.Pid, "exit_code", exitCode)
	default:
		s.state = StateFailed
		s.log.Errorw("backend exited unexpectedly", "pid", cmd.Process.Pid, "exit_code", exitCode, "error", err)
	}
	s.mut.Unlock()

	close(s.done)
}

// Stop terminates the backend, killing it if it is still running once the grace period has passed.
// A non-positive grace period uses the supervisor's default.
// Stop returns only after the process has exited, and is a no-op if there is no running process.
func (s *Supervisor) Stop(gracePeriod time.Duration) error {
	if gracePeriod <= 0 {
		gracePeriod = s.gracePeriod
	}

	s.mut.Lock()
	switch s.state {
	case StateNotStarted, StateStopped, StateFailed:
		s.mut.Unlock()
		return nil
	case StateTerminating:
		s.mut.Unlock()
		<-s.done
		return nil
	}
	s.state = StateTerminating
	proc := s.cmd.Process
	s.mut.Unlock()

	s.log.Infow("stopping backend", "pid", proc.Pid, "grace_period", gracePeriod)

	escalate := false
	err := terminate(proc)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warnw("error sending termination signal, killing backend", "pid", proc.Pid, "error", err)
		escalate = true
	}

	if !escalate {
		timer := time.NewTimer(gracePeriod)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			select {
			case <-s.done:
			default:
				s.log.Warnw("backend did not exit within grace period, killing", "pid", proc.Pid, "grace_period", gracePeriod)
				escalate = true
			}
		}
	}

	if escalate {
		err := kill(proc)
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("killing backend pid %d: %w", proc.Pid, err)
		}
		<-s.done
	}

	code, _ := s.ExitCode()
	s.log.Infow("backend stopped", "pid", proc.Pid, "exit_code", code)
	return nil
}

func (s *Supervisor) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// ExitCode returns the backend's exit code, and false if it has not exited.
// A process ended by a signal reports -1.
func (s *Supervisor) ExitCode() (int, bool) {
	select {
	case <-s.done:
	default:
		return 0, false
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.exitCode, true
}

// Done is closed once the backend has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Backend returns the launched backend, or nil before Start succeeds.
func (s *Supervisor) Backend() *Backend {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.backend == nil {
		return nil
	}
	b := *s.backend
	return &b
}

func resolveEntrypoint(req StartRequest) (string, error) {
	info, err := os.Stat(req.WorkingDir)
	if err != nil {
		return "", fmt.Errorf("%w: working directory %q: %w", ErrConfiguration, req.WorkingDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: working directory %q is not a directory", ErrConfiguration, req.WorkingDir)
	}
	if req.Command == "" {
		return "", fmt.Errorf("%w: no entrypoint given", ErrConfiguration)
	}

	path := req.Command
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(req.WorkingDir, path)
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: entrypoint %q: %w", ErrConfiguration, req.Command, err)
	}
	// exec resolves relative paths against cmd.Dir, which would apply WorkingDir twice
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: entrypoint %q: %w", ErrConfiguration, req.Command, err)
	}
	return abs, nil
}

func buildEnv(req StartRequest) []string {
	if req.InheritEnv {
		return append(os.Environ(), req.Env...)
	}
	// must be non-nil, exec treats a nil Env as "inherit"
	env := make([]string, 0, len(req.Env))
	return append(env, req.Env...)
}
