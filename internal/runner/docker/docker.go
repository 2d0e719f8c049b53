// Package docker is a job.Runner that trains on the local Docker daemon.
//
// Each job runs as one labelled container of the training image. The payload
// is passed as environment; on a clean exit the container leaves its status
// document at ResultPath, which PollStatus copies out. Finished containers
// are kept for the retention period so a late poll can still read them.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/job"
	"trainingjobs/internal/runner"
)

const (
	labelJobID     = "job.id"
	labelManagedBy = "managed-by"
	managedBy      = "trainingjobs"
)

// Runner implements job.Runner and job.Canceler using Docker.
type Runner struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger

	cancelMaintenance context.CancelFunc
	wg                sync.WaitGroup
}

// New connects to the daemon from the environment and starts the
// maintenance loop.
func New(cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if cfg.Image == "" {
		return nil, fmt.Errorf("training image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	r := &Runner{
		client: dockerClient,
		cfg:    cfg,
		logger: slog.With("component", "docker-runner", "image", cfg.Image),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancelMaintenance = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runMaintenance(ctx)
	}()

	return r, nil
}

// Submit creates and starts the job's container and returns its ID.
// A container left behind by an earlier attempt for the same job is reused.
func (r *Runner) Submit(ctx context.Context, req *job.SubmitRequest) (string, error) {
	env, err := containerEnv(req, r.cfg.ResultPath)
	if err != nil {
		return "", apperrors.Submission("docker.env", err)
	}

	// Detached so a short request deadline does not abort a large pull
	if err := r.pullImageIfNeeded(context.WithoutCancel(ctx)); err != nil {
		return "", apperrors.Submission("docker.pullImage", err)
	}

	id, err := r.createContainer(ctx, req, env)
	if err != nil {
		return "", apperrors.Submission("docker.createContainer", err)
	}

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", apperrors.Submission("docker.startContainer", err)
	}

	r.logger.Info("Training container started", "jobId", req.JobID, "containerId", id)
	return id, nil
}

func (r *Runner) createContainer(ctx context.Context, req *job.SubmitRequest, env []string) (string, error) {
	containerConfig := &container.Config{
		Image: r.cfg.Image,
		Cmd:   r.cfg.Command,
		Env:   env,
		Labels: map[string]string{
			labelJobID:     req.JobID,
			labelManagedBy: managedBy,
			"user.id":      req.UserID,
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(r.cfg.CPU * 1e9),
			Memory:   int64(r.cfg.MemoryMB) * 1024 * 1024,
		},
	}
	if r.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(r.cfg.Network)
	}

	name := containerName(req.JobID)
	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err == nil {
		return resp.ID, nil
	}
	if !errdefs.IsConflict(err) {
		return "", err
	}

	inspect, inspectErr := r.client.ContainerInspect(ctx, name)
	if inspectErr != nil {
		return "", errors.Join(err, inspectErr)
	}
	return inspect.ID, nil
}

// PollStatus inspects the container. A vanished container is a permanent
// poll error; daemon hiccups are transient.
func (r *Runner) PollStatus(ctx context.Context, externalID string) (*job.RunStatus, error) {
	inspect, err := r.client.ContainerInspect(ctx, externalID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperrors.Poll("docker.inspectContainer", err)
		}
		return nil, apperrors.TransientPoll("docker.inspectContainer", err)
	}
	if inspect.State == nil {
		return &job.RunStatus{State: job.RunRunning}, nil
	}

	st := exitStatus(inspect.State.Running, inspect.State.Status, inspect.State.ExitCode, inspect.State.Error)
	if st.State != job.RunCompleted {
		return st, nil
	}

	doc, err := r.readResult(ctx, externalID)
	if err != nil {
		return nil, err
	}
	status, err := doc.RunStatus()
	if err != nil {
		return nil, apperrors.Poll("docker.result", err)
	}
	return status, nil
}

func (r *Runner) readResult(ctx context.Context, containerID string) (*runner.StatusDocument, error) {
	rc, _, err := r.client.CopyFromContainer(ctx, containerID, r.cfg.ResultPath)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperrors.Poll("docker.copyResult", fmt.Errorf("%s not written: %w", r.cfg.ResultPath, err))
		}
		return nil, apperrors.TransientPoll("docker.copyResult", err)
	}
	defer rc.Close()

	doc, err := parseResultArchive(rc)
	if err != nil {
		return nil, apperrors.Poll("docker.parseResult", err)
	}
	return doc, nil
}

// Cancel stops and removes the container.
func (r *Runner) Cancel(ctx context.Context, externalID string) error {
	err := r.removeContainer(ctx, externalID)
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", externalID, err)
	}
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close stops maintenance and releases the client.
func (r *Runner) Close() error {
	if r.cancelMaintenance != nil {
		r.cancelMaintenance()
	}
	r.wg.Wait()
	return r.client.Close()
}

func (r *Runner) pullImageIfNeeded(ctx context.Context) error {
	if _, err := r.client.ImageInspect(ctx, r.cfg.Image); err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *Runner) removeContainer(ctx context.Context, containerID string) error {
	timeout := int(r.cfg.StopTimeout.Seconds())
	_ = r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	return r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// runMaintenance periodically removes finished containers past retention.
func (r *Runner) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanupExpired(ctx)
		}
	}
}

func (r *Runner) cleanupExpired(ctx context.Context) {
	logger := r.logger.With("component", "maintenance")

	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy)),
	})
	if err != nil {
		logger.Warn("Failed to list containers", "error", err)
		return
	}

	now := time.Now()
	var cleaned int
	for _, c := range containers {
		if c.State == "running" || c.State == "created" {
			continue
		}
		inspect, err := r.client.ContainerInspect(ctx, c.ID)
		if err != nil || inspect.State == nil {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil || now.Sub(finishedAt) <= r.cfg.Retention {
			continue
		}
		if err := r.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn("Failed to remove container", "containerId", c.ID, "error", err)
			continue
		}
		logger.Debug("Removed finished container", "jobId", c.Labels[labelJobID])
		cleaned++
	}

	if cleaned > 0 {
		logger.Info("Maintenance complete", "cleaned", cleaned)
	}
}

func containerName(jobID string) string {
	return "train-" + jobID
}

// containerEnv renders the payload as the training container's environment.
func containerEnv(req *job.SubmitRequest, resultPath string) ([]string, error) {
	env := []string{
		"JOB_ID=" + req.JobID,
		"USER_ID=" + req.UserID,
		"MODEL_TYPE=" + req.Payload.ModelType,
		"DATASET=" + req.Payload.Dataset,
		"AB_TESTING=" + strconv.FormatBool(req.Payload.ABTesting),
		"AUTO_TUNING=" + strconv.FormatBool(req.Payload.AutoTuning),
		"RESULT_PATH=" + resultPath,
	}
	if len(req.Payload.Hyperparameters) > 0 {
		hp, err := json.Marshal(req.Payload.Hyperparameters)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal hyperparameters: %w", err)
		}
		env = append(env, "HYPERPARAMETERS="+string(hp))
	}
	return env, nil
}

// exitStatus maps a container state onto a run state. Completed still needs
// the result document to be read.
func exitStatus(running bool, status string, exitCode int, errMsg string) *job.RunStatus {
	switch {
	case running, status == "created", status == "restarting":
		return &job.RunStatus{State: job.RunRunning}
	case exitCode == 0:
		return &job.RunStatus{State: job.RunCompleted}
	default:
		msg := fmt.Sprintf("training container exited with code %d", exitCode)
		if errMsg != "" {
			msg += ": " + errMsg
		}
		return &job.RunStatus{State: job.RunFailed, Error: msg}
	}
}

var (
	_ job.Runner   = (*Runner)(nil)
	_ job.Canceler = (*Runner)(nil)
)
