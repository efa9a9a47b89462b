package build

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestRunner(t *testing.T, action Action) (*Runner, chan Result) {
	t.Helper()
	if action.Timeout == 0 {
		action.Timeout = 10 * time.Second
	}
	results := make(chan Result, 16)
	r := NewRunner(action,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithOnComplete(func(res Result) { results <- res }),
		WithGracePeriod(200*time.Millisecond),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, results
}

func waitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case res := <-results:
		return res
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for build result")
		return Result{}
	}
}

func TestRunner_ScriptSuccess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "build.sh", `
echo "args:$1|$2"
echo "id:$HOOKBUILD_BUILD_ID"
echo "env:$DEPLOY_ENV"
echo "to stderr" >&2
`)

	r, results := newTestRunner(t, Action{
		Script: script,
		Args:   []string{"a b", "$(whoami)"},
		Env:    map[string]string{"DEPLOY_ENV": "staging"},
	})

	id, err := r.Trigger(context.Background(), Request{DeliveryID: "d-1", Event: "push"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res := waitResult(t, results)
	assert.Equal(t, StatusSucceeded, res.Status, "output: %s", res.Output)
	assert.NoError(t, res.Err)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, "d-1", res.Request.DeliveryID)
	assert.Equal(t, "script", res.Step)
	assert.Contains(t, res.Output, "args:a b|$(whoami)")
	assert.Contains(t, res.Output, "id:"+id)
	assert.Contains(t, res.Output, "env:staging")
	assert.Contains(t, res.Output, "to stderr")
}

func TestRunner_ScriptFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "build.sh", `echo "compile error" >&2; exit 3`)

	r, results := newTestRunner(t, Action{Script: script})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "exited with status 3")
	assert.Contains(t, res.Output, "compile error")
}

func TestRunner_MissingScript(t *testing.T) {
	r, results := newTestRunner(t, Action{Script: filepath.Join(t.TempDir(), "missing.sh")})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "start process")
}

func TestRunner_Timeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "build.sh", `sleep 10`)

	r, results := newTestRunner(t, Action{Script: script, Timeout: 100 * time.Millisecond})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestRunner_TimeoutEscalatesToSIGKILL(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "build.sh", `trap '' TERM; sleep 10`)

	r, results := newTestRunner(t, Action{Script: script, Timeout: 100 * time.Millisecond})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestRunner_ShutdownWaitsForRunningBuilds(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "build.sh", `sleep 0.2`)

	r, results := newTestRunner(t, Action{Script: script})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	select {
	case res := <-results:
		assert.Equal(t, StatusSucceeded, res.Status)
	default:
		t.Fatal("Shutdown returned before the build finished")
	}
}

func TestRunner_ShutdownDeadlineCancelsBuilds(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "build.sh", `sleep 10`)

	r, results := newTestRunner(t, Action{Script: script})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)

	res := waitResult(t, results)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestRunner_TriggerAfterShutdown(t *testing.T) {
	r, _ := newTestRunner(t, Action{Script: "/bin/true"})
	require.NoError(t, r.Shutdown(context.Background()))

	_, err := r.Trigger(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRunner_TriggerWithCanceledContext(t *testing.T) {
	r, _ := newTestRunner(t, Action{Script: "/bin/true"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Trigger(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_ConcurrentBuilds(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "build.sh", `sleep 0.1; echo "$HOOKBUILD_BUILD_ID"`)

	r, results := newTestRunner(t, Action{Script: script})

	ids := make(map[string]bool)
	for range 5 {
		id, err := r.Trigger(context.Background(), Request{})
		require.NoError(t, err)
		ids[id] = true
	}
	assert.Len(t, ids, 5)

	for range 5 {
		res := waitResult(t, results)
		assert.Equal(t, StatusSucceeded, res.Status)
		assert.True(t, ids[res.ID])
		assert.Equal(t, res.ID, strings.TrimSpace(res.Output))
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestRunner_CloneMode(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	src := t.TempDir()
	runGit(t, src, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(src, "marker.txt"), []byte("from repo\n"), 0o644))
	runGit(t, src, "add", "marker.txt")
	runGit(t, src, "commit", "-q", "-m", "initial")

	workDir := filepath.Join(t.TempDir(), "work")
	outFile := filepath.Join(t.TempDir(), "out.txt")

	r, results := newTestRunner(t, Action{
		RepoURL: "file://" + src,
		Command: []string{"cp", "marker.txt", outFile},
		WorkDir: workDir,
	})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	res := waitResult(t, results)
	require.Equal(t, StatusSucceeded, res.Status, "error: %v output: %s", res.Err, res.Output)
	assert.Equal(t, "build", res.Step)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "from repo\n", string(data))

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "checkout should be removed after the build")
}

// initRepo creates a local repository with one committed file.
func initRepo(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	runGit(t, src, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(src, "marker.txt"), []byte("from repo\n"), 0o644))
	runGit(t, src, "add", "marker.txt")
	runGit(t, src, "commit", "-q", "-m", "initial")
	return src
}

func TestRunner_CheckoutRemovedBeforeOnComplete(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	tests := []struct {
		name       string
		command    []string
		wantStatus Status
	}{
		{name: "success", command: []string{"true"}, wantStatus: StatusSucceeded},
		{name: "failing build", command: []string{"false"}, wantStatus: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workDir := filepath.Join(t.TempDir(), "work")
			seen := make(chan int, 1)
			r := NewRunner(Action{
				RepoURL: "file://" + initRepo(t),
				Command: tt.command,
				WorkDir: workDir,
				Timeout: 10 * time.Second,
			},
				WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
				WithOnComplete(func(res Result) {
					assert.Equal(t, tt.wantStatus, res.Status)
					entries, err := os.ReadDir(workDir)
					assert.NoError(t, err)
					seen <- len(entries)
				}),
			)
			t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

			_, err := r.Trigger(context.Background(), Request{})
			require.NoError(t, err)

			select {
			case n := <-seen:
				assert.Zero(t, n, "checkout must be gone when OnComplete runs")
			case <-time.After(15 * time.Second):
				t.Fatal("timed out waiting for build result")
			}
		})
	}
}

func TestRunner_KeepCheckout(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	workDir := filepath.Join(t.TempDir(), "work")
	r, results := newTestRunner(t, Action{
		RepoURL:      "file://" + initRepo(t),
		Command:      []string{"true"},
		WorkDir:      workDir,
		KeepCheckout: true,
	})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, waitResult(t, results).Status)

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = os.Stat(filepath.Join(workDir, entries[0].Name(), "marker.txt"))
	assert.NoError(t, err)
}

func TestRunner_CloneFailureStopsBeforeBuild(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	outFile := filepath.Join(t.TempDir(), "out.txt")
	r, results := newTestRunner(t, Action{
		RepoURL: "file://" + filepath.Join(t.TempDir(), "no-such-repo"),
		Command: []string{"touch", outFile},
		WorkDir: t.TempDir(),
	})
	_, err := r.Trigger(context.Background(), Request{})
	require.NoError(t, err)

	res := waitResult(t, results)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "clone", res.Step)
	_, statErr := os.Stat(outFile)
	assert.True(t, os.IsNotExist(statErr), "build step must not run after a failed clone")
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 10}

	n, err := b.Write([]byte("123456"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = b.Write([]byte("789abc"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, _ = b.Write([]byte("more"))
	assert.Equal(t, "123456789a\n[output truncated]", b.String())

	small := &cappedBuffer{limit: 10}
	_, _ = small.Write([]byte("ok"))
	assert.Equal(t, "ok", small.String())
}
