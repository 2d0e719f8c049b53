package docker

import (
	"archive/tar"
	"bytes"
	"errors"
	"strings"
	"testing"

	"trainingjobs/internal/job"
	"trainingjobs/internal/runner"
)

var errAny = errors.New("any error")

func tarFile(t *testing.T, name, body string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestParseResultArchive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		body         string
		wantStatus   string
		wantAccuracy float64
		wantErr      error
	}{
		{
			name:         "completed document",
			body:         `{"status":"completed","accuracy":0.91,"modelA":"m1","modelB":"m2","performanceA":0.9,"performanceB":0.88}`,
			wantStatus:   runner.StatusCompleted,
			wantAccuracy: 0.91,
		},
		{
			name:         "missing status defaults to completed",
			body:         `{"accuracy":0.75}`,
			wantStatus:   runner.StatusCompleted,
			wantAccuracy: 0.75,
		},
		{
			name:       "failed document",
			body:       `{"status":"failed","error":"out of memory"}`,
			wantStatus: runner.StatusFailed,
		},
		{
			name:    "in-progress status after exit",
			body:    `{"status":"training","accuracy":0.9}`,
			wantErr: errNotFinal,
		},
		{
			name:    "running status after exit",
			body:    `{"status":"running"}`,
			wantErr: errNotFinal,
		},
		{
			name:    "not json",
			body:    `accuracy=0.9`,
			wantErr: errAny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc, err := parseResultArchive(tarFile(t, "result.json", tt.body))
			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != errAny && !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if doc.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", doc.Status, tt.wantStatus)
			}
			if tt.wantAccuracy != 0 && (doc.Accuracy == nil || *doc.Accuracy != tt.wantAccuracy) {
				t.Errorf("accuracy = %v, want %v", doc.Accuracy, tt.wantAccuracy)
			}
		})
	}
}

func TestParseResultArchive_Empty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		t.Fatal(err)
	}
	_ = tw.Close()

	if _, err := parseResultArchive(&buf); !errors.Is(err, errNoResult) {
		t.Errorf("err = %v, want errNoResult", err)
	}
}

func TestExitStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		running  bool
		status   string
		exitCode int
		errMsg   string
		want     job.RunState
		wantMsg  string
	}{
		{name: "running", running: true, status: "running", want: job.RunRunning},
		{name: "created", status: "created", want: job.RunRunning},
		{name: "clean exit", status: "exited", want: job.RunCompleted},
		{name: "non-zero exit", status: "exited", exitCode: 137, want: job.RunFailed, wantMsg: "code 137"},
		{name: "daemon error", status: "exited", exitCode: 1, errMsg: "OCI runtime", want: job.RunFailed, wantMsg: "OCI runtime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := exitStatus(tt.running, tt.status, tt.exitCode, tt.errMsg)
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
			if tt.wantMsg != "" && !strings.Contains(got.Error, tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", got.Error, tt.wantMsg)
			}
		})
	}
}

func TestContainerEnv(t *testing.T) {
	t.Parallel()

	env, err := containerEnv(&job.SubmitRequest{
		JobID:  "j1",
		UserID: "u1",
		Payload: job.Payload{
			ModelType:       "resnet",
			Dataset:         "s3://bucket/data",
			ABTesting:       true,
			Hyperparameters: map[string]any{"lr": 0.01},
		},
	}, "/out/result.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]bool{}
	for _, e := range []string{
		"JOB_ID=j1",
		"USER_ID=u1",
		"MODEL_TYPE=resnet",
		"DATASET=s3://bucket/data",
		"AB_TESTING=true",
		"AUTO_TUNING=false",
		"RESULT_PATH=/out/result.json",
		`HYPERPARAMETERS={"lr":0.01}`,
	} {
		want[e] = true
	}
	for _, e := range env {
		delete(want, e)
	}
	if len(want) != 0 {
		t.Errorf("missing env entries: %v", want)
	}
}
