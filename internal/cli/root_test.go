package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainingjobs/internal/api"
	"trainingjobs/internal/auth"
	"trainingjobs/internal/health"
	"trainingjobs/internal/job"
	"trainingjobs/internal/runner/runnertest"
	"trainingjobs/internal/store/memory"
)

type testEnv struct {
	url    string
	runner *runnertest.Fake
}

// newTestEnv starts a jobs API backed by memory and isolates the CLI from
// any config file or JOBSCTL_* variables of the machine running the tests.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, name := range []string{"SERVER", "TOKEN", "USER", "OUTPUT", "TIMEOUT", "CONFIG"} {
		// Empty variables are ignored by viper.
		t.Setenv(envPrefix+"_"+name, "")
	}

	store := memory.New()
	runner := runnertest.NewFake()
	svc := job.NewService(store, store, runner, nil, job.Config{})
	checker := health.NewChecker(health.Check{Name: "runner", Probe: runner})
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{JobService: svc, HealthChecker: checker}))
	t.Cleanup(srv.Close)

	return &testEnv{url: srv.URL, runner: runner}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// as prefixes args with the server and user flags.
func (e *testEnv) as(user string, args ...string) []string {
	return append([]string{"--server", e.url, "--user", user}, args...)
}

func (e *testEnv) start(t *testing.T, user string) string {
	t.Helper()
	out, err := execute(t, e.as(user, "start", "--model-type", "image", "--dataset", "A")...)
	require.NoError(t, err)
	id, state, ok := strings.Cut(strings.TrimSpace(out), "\t")
	require.True(t, ok, "unexpected start output %q", out)
	assert.Equal(t, string(job.StateSubmitted), state)
	return id
}

func TestStart_Flags(t *testing.T) {
	env := newTestEnv(t)

	id := env.start(t, "user-1")
	assert.NotEmpty(t, id)

	submits := env.runner.Submits()
	require.Len(t, submits, 1)
	assert.Equal(t, "user-1", submits[0].UserID)
	assert.Equal(t, "image", submits[0].Payload.ModelType)
	assert.Equal(t, "A", submits[0].Payload.Dataset)
}

func TestStart_JobFileWithOverrides(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`modelType: image
dataset: s3://datasets/cats
abTesting: true
hyperparameters:
  lr: 0.1
`), 0o600))

	out, err := execute(t, env.as("user-1", "-o", "json", "start", "-f", path,
		"--dataset", "s3://datasets/dogs", "--param", "lr=0.01", "--param", "layers=4")...)
	require.NoError(t, err)

	var resp job.StartResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, job.StateSubmitted, resp.State)

	submits := env.runner.Submits()
	require.Len(t, submits, 1)
	payload := submits[0].Payload
	assert.Equal(t, "s3://datasets/dogs", payload.Dataset)
	assert.True(t, payload.ABTesting)
	assert.Equal(t, map[string]any{"lr": 0.01, "layers": float64(4)}, payload.Hyperparameters)
}

func TestStart_RequestTokenIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	args := env.as("user-1", "start", "--model-type", "image", "--dataset", "A", "--request-token", "retry-1")

	first, err := execute(t, args...)
	require.NoError(t, err)
	second, err := execute(t, args...)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, env.runner.Submits(), 1)
}

func TestStart_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing dataset", env.as("user-1", "start", "--model-type", "image"), "required"},
		{"bad param", env.as("user-1", "start", "--model-type", "image", "--dataset", "A", "--param", "lr"), "name=value"},
		{"server validation", env.as("user-1", "start", "--model-type", "bad type!", "--dataset", "A"), "modelType"},
		{"anonymous", []string{"--server", env.url, "start", "--model-type", "image", "--dataset", "A"}, "HTTP 401"},
		{"bad output", env.as("user-1", "-o", "xml", "start", "--model-type", "image", "--dataset", "A"), "output format"},
		{"bad server", []string{"--server", "localhost", "list"}, "invalid server URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
	assert.Empty(t, env.runner.Submits())
}

func TestStatusListCancel(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, "user-1")

	out, err := execute(t, env.as("user-1", "status", id)...)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "submitted")
	assert.Contains(t, out, "Next poll:")

	out, err = execute(t, env.as("user-1", "list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, id)

	out, err = execute(t, env.as("user-2", "list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found")

	_, err = execute(t, env.as("user-2", "status", id)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	out, err = execute(t, env.as("user-1", "-o", "json", "cancel", id)...)
	require.NoError(t, err)
	var status job.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, job.StateFailed, status.State)
	assert.Equal(t, job.ReasonCancelled, status.Reason)
}

func TestWait_FailedJobIsError(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, "user-1")
	_, err := execute(t, env.as("user-1", "cancel", id)...)
	require.NoError(t, err)

	out, err := execute(t, env.as("user-1", "wait", id, "--poll-interval", "10ms")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Contains(t, out, "failed")
}

func TestArtifactsAndPerformance_Empty(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, "user-1")

	out, err := execute(t, env.as("user-1", "artifacts", id)...)
	require.NoError(t, err)
	assert.Contains(t, out, "No artifacts recorded")

	out, err = execute(t, env.as("user-1", "performance")...)
	require.NoError(t, err)
	assert.Contains(t, out, "No completed jobs")
}

func TestConfig_EnvAndFile(t *testing.T) {
	env := newTestEnv(t)

	t.Run("environment", func(t *testing.T) {
		t.Setenv("JOBSCTL_SERVER", env.url)
		t.Setenv("JOBSCTL_USER", "user-env")

		_, err := execute(t, "start", "--model-type", "image", "--dataset", "A")
		require.NoError(t, err)
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobsctl.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: "+env.url+"\nuser: user-file\noutput: json\n"), 0o600))

		out, err := execute(t, "--config", path, "list")
		require.NoError(t, err)
		var jobs []job.Status
		require.NoError(t, json.Unmarshal([]byte(out), &jobs))
		assert.Empty(t, jobs)
	})

	t.Run("home config", func(t *testing.T) {
		home, err := os.UserHomeDir()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(home, configName+".yaml"), []byte("server: "+env.url+"\nuser: user-home\n"), 0o600))

		_, err = execute(t, "start", "--model-type", "image", "--dataset", "A")
		require.NoError(t, err)
	})

	t.Run("flag beats environment", func(t *testing.T) {
		t.Setenv("JOBSCTL_SERVER", "http://127.0.0.1:1")
		_, err := execute(t, "--server", env.url, "--user", "user-flag", "list")
		require.NoError(t, err)
	})

	users := make(map[string]bool)
	for _, s := range env.runner.Submits() {
		users[s.UserID] = true
	}
	assert.Equal(t, map[string]bool{"user-env": true, "user-home": true}, users)
}

func TestToken(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretFile, []byte("s3cret\n"), 0o600))

	out, err := execute(t, "token", "user-1", "--secret-file", secretFile, "--issuer", "jobs", "--ttl", "1h")
	require.NoError(t, err)

	userID, err := auth.NewVerifier("s3cret", "jobs").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	_, err = execute(t, "token", "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--secret-file")
}

func TestToken_UsedAgainstVerifyingServer(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	store := memory.New()
	svc := job.NewService(store, store, runnertest.NewFake(), nil, job.Config{})
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: health.NewChecker(),
		Verifier:      auth.NewVerifier("s3cret", ""),
	}))
	defer srv.Close()

	token, err := auth.Issue("s3cret", "", "user-1", time.Hour)
	require.NoError(t, err)

	_, err = execute(t, "--server", srv.URL, "--token", token, "list")
	require.NoError(t, err)

	_, err = execute(t, "--server", srv.URL, "--token", "garbage", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}
