package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/manthysbr/forgeOS/internal/core/domain"
	"github.com/manthysbr/forgeOS/internal/core/ports"
)

const (
	baseWorkspaceDir = "/mnt/forge/workspace"
	containerUser    = "forge"

	labelManaged    = "forge.managed"
	labelOperation  = "forge.operation_id"
	labelWorkOrder  = "forge.work_order_id"
	labelSessionKey = "forge.session_key"
)

// Dispatcher starts one labeled container per dispatched operation. The
// container gets the task payload and the completion callback URL via
// env; everything after that is the agent's business.
type Dispatcher struct {
	logger      *slog.Logger
	cli         *client.Client
	image       string
	callbackURL string
}

func NewDispatcher(logger *slog.Logger, agentImage, callbackURL string) (*Dispatcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Dispatcher{
		logger:      logger,
		cli:         cli,
		image:       agentImage,
		callbackURL: callbackURL,
	}, nil
}

var _ ports.AgentDispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	name := containerName(req.OperationID)

	// The session key is stable across re-dispatches of the same
	// operation, so a leftover container from a crashed attempt is
	// replaced, never duplicated.
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return domain.DispatchResult{}, fmt.Errorf("remove stale container %s: %w", name, err)
	}

	workspaceDir := filepath.Join(baseWorkspaceDir, string(req.Task.WorkOrderID))
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return domain.DispatchResult{}, fmt.Errorf("create workspace dir: %w", err)
	}

	taskJSON, err := json.Marshal(req.Task)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("encode task: %w", err)
	}

	cfg := &container.Config{
		Image: d.image,
		User:  containerUser,
		Env: []string{
			"FORGE_TASK=" + string(taskJSON),
			"FORGE_SESSION_KEY=" + req.SessionKey,
			"FORGE_OPERATION_ID=" + string(req.OperationID),
			"FORGE_CALLBACK_URL=" + d.callbackURL,
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		},
		Labels: map[string]string{
			labelManaged:    "true",
			labelOperation:  string(req.OperationID),
			labelWorkOrder:  string(req.Task.WorkOrderID),
			labelSessionKey: req.SessionKey,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspaceDir,
				Target: "/workspace",
			},
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if pullErr != nil {
			return domain.DispatchResult{}, fmt.Errorf("pull image %s: %w", d.image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return domain.DispatchResult{}, fmt.Errorf("start container: %w", err)
	}

	d.logger.Info("agent dispatched",
		"operation_id", req.OperationID,
		"session_key", req.SessionKey,
		"container_id", resp.ID[:12])

	return domain.DispatchResult{
		SessionKey: req.SessionKey,
		SessionID:  resp.ID,
	}, nil
}

// Session is one managed agent container, for the ops surface.
type Session struct {
	OperationID domain.OperationID `json:"operation_id"`
	WorkOrderID domain.WorkOrderID `json:"work_order_id"`
	SessionKey  string             `json:"session_key"`
	ContainerID string             `json:"container_id"`
	State       string             `json:"state"`
}

// List returns every managed agent container, running or exited.
func (d *Dispatcher) List(ctx context.Context) ([]Session, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: makeFilters(map[string]string{"label": labelManaged + "=true"}),
	})
	if err != nil {
		return nil, err
	}

	var sessions []Session
	for _, c := range containers {
		opID := c.Labels[labelOperation]
		if opID == "" {
			continue
		}
		sessions = append(sessions, Session{
			OperationID: domain.OperationID(opID),
			WorkOrderID: domain.WorkOrderID(c.Labels[labelWorkOrder]),
			SessionKey:  c.Labels[labelSessionKey],
			ContainerID: c.ID,
			State:       c.State,
		})
	}
	return sessions, nil
}

// Kill force-removes an operation's container. The workspace stays: it
// belongs to the work order, not the attempt.
func (d *Dispatcher) Kill(ctx context.Context, operationID domain.OperationID) error {
	name := containerName(operationID)
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func containerName(id domain.OperationID) string {
	return "forge-agent-" + string(id)
}

func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
