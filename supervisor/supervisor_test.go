//go:build !windows

package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedSupervisor(t *testing.T, opts ...Option) (*Supervisor, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(zap.New(core).Sugar(), opts...)
	t.Cleanup(func() {
		require.NoError(t, s.Stop(time.Second))
	})
	return s, logs
}

func shell(t *testing.T, script string) StartRequest {
	return StartRequest{
		WorkingDir: t.TempDir(),
		Command:    "sh",
		Args:       []string{"-c", script},
		InheritEnv: true,
	}
}

func waitForLine(t *testing.T, logs *observer.ObservedLogs, line string) {
	require.Eventually(t, func() bool {
		return logs.FilterLoggerName("backend").FilterMessage(line).Len() > 0
	}, 5*time.Second, 10*time.Millisecond, "never saw backend line %q", line)
}

func TestStartConfigurationErrors(t *testing.T) {
	dir := t.TempDir()
	notExecutable := filepath.Join(dir, "server.js")
	require.NoError(t, os.WriteFile(notExecutable, []byte("console.log('hi')"), 0644))

	cases := []struct {
		name string
		req  StartRequest
	}{
		{
			name: "missing working dir",
			req:  StartRequest{WorkingDir: filepath.Join(dir, "nope"), Command: "sh"},
		},
		{
			name: "working dir is a file",
			req:  StartRequest{WorkingDir: notExecutable, Command: "sh"},
		},
		{
			name: "no entrypoint",
			req:  StartRequest{WorkingDir: dir},
		},
		{
			name: "entrypoint not on PATH",
			req:  StartRequest{WorkingDir: dir, Command: "definitely-not-a-real-binary-3f9a"},
		},
		{
			name: "entrypoint not executable",
			req:  StartRequest{WorkingDir: dir, Command: "./server.js"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := New(nil)
			_, err := s.Start(c.req)
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, StateNotStarted, s.State())
		})
	}
}

func TestStartResolvesRelativeEntrypoint(t *testing.T) {
	s, logs := newObservedSupervisor(t)

	dir := t.TempDir()
	script := "#!/bin/sh\necho \"started in $(pwd)\"\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0755))

	b, err := s.Start(StartRequest{WorkingDir: dir, Command: "./run.sh", InheritEnv: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run.sh"), b.Entrypoint)
	assert.NotZero(t, b.Pid)
	assert.Equal(t, StateRunning, s.State())

	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("started in "+dir).Len() > 0 || logs.FilterMessage("started in "+realDir).Len() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	s, _ := newObservedSupervisor(t)

	_, err := s.Start(shell(t, "sleep 30"))
	require.NoError(t, err)

	_, err = s.Start(shell(t, "sleep 30"))
	require.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestEnvironment(t *testing.T) {
	s, logs := newObservedSupervisor(t)

	req := shell(t, `echo "foo=$FOO home=$HOME"`)
	req.InheritEnv = false
	req.Env = []string{"FOO=bar"}
	_, err := s.Start(req)
	require.NoError(t, err)

	<-s.Done()
	waitForLine(t, logs, "foo=bar home=")
}

func TestOutputCapture(t *testing.T) {
	s, logs := newObservedSupervisor(t)

	_, err := s.Start(shell(t, "echo hello; echo world 1>&2; printf 'crlf\\r\\n'; printf partial"))
	require.NoError(t, err)

	<-s.Done()
	var lines []string
	for _, e := range logs.FilterLoggerName("backend").All() {
		lines = append(lines, e.Message)
	}
	assert.ElementsMatch(t, []string{"hello", "world", "crlf", "partial"}, lines)
}

func TestOutputInherit(t *testing.T) {
	dir := t.TempDir()
	out, err := os.Create(filepath.Join(dir, "out"))
	require.NoError(t, err)
	defer out.Close()

	s, logs := newObservedSupervisor(t, WithOutput(OutputInherit), WithOutputWriters(out, out))
	_, err = s.Start(shell(t, "echo hello"))
	require.NoError(t, err)
	<-s.Done()

	b, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
	assert.Zero(t, logs.FilterLoggerName("backend").Len())
}

func TestUnexpectedExit(t *testing.T) {
	s, _ := newObservedSupervisor(t)

	_, ok := s.ExitCode()
	assert.False(t, ok)

	_, err := s.Start(shell(t, "exit 3"))
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not exit")
	}
	code, ok := s.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Equal(t, StateFailed, s.State())

	// nothing left to stop
	require.NoError(t, s.Stop(time.Second))
	assert.Equal(t, StateFailed, s.State())
}

func TestStopGraceful(t *testing.T) {
	s, _ := newObservedSupervisor(t)

	_, err := s.Start(shell(t, "sleep 30"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StateStopped, s.State())
	_, exited := s.ExitCode()
	assert.True(t, exited)
}

func TestStopEscalatesToKill(t *testing.T) {
	s, logs := newObservedSupervisor(t)

	// the ignored disposition is inherited by sleep, so the whole group ignores SIGTERM
	_, err := s.Start(shell(t, `trap "" TERM; echo ready; sleep 30`))
	require.NoError(t, err)
	waitForLine(t, logs, "ready")

	grace := 300 * time.Millisecond
	start := time.Now()
	require.NoError(t, s.Stop(grace))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, grace+5*time.Second)
	assert.Equal(t, StateStopped, s.State())

	code, exited := s.ExitCode()
	require.True(t, exited)
	assert.Equal(t, -1, code)
	assert.Equal(t, 1, logs.FilterMessage("backend did not exit within grace period, killing").Len())
}

func TestStopIdempotent(t *testing.T) {
	s, logs := newObservedSupervisor(t)

	// before start
	require.NoError(t, s.Stop(time.Second))

	_, err := s.Start(shell(t, "sleep 30"))
	require.NoError(t, err)

	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))

	assert.Equal(t, 1, logs.FilterMessage("stopping backend").Len())
	assert.Equal(t, StateStopped, s.State())
}

func TestConcurrentStop(t *testing.T) {
	s, logs := newObservedSupervisor(t)

	_, err := s.Start(shell(t, "sleep 30"))
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- s.Stop(time.Second) }()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, 1, logs.FilterMessage("stopping backend").Len())
}

func TestLineWriterSplitsLongLines(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	w := &lineWriter{log: zap.New(core).Sugar()}

	long := make([]byte, maxLineLength+10)
	for i := range long {
		long[i] = 'a'
	}
	_, err := w.Write(long)
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	assert.Len(t, logs.All()[0].Message, maxLineLength)

	require.NoError(t, w.Close())
	require.Equal(t, 2, logs.Len())
	assert.Len(t, logs.All()[1].Message, 10)
}
