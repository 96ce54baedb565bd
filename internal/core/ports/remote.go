package ports

import (
	"context"

	"github.com/netly/fleet/internal/domain"
)

// NodeEvent is one per-node message on a remote execution stream.
// An event with an empty Node and a non-nil Err reports a channel-level failure.
type NodeEvent struct {
	Node       string
	ExitStatus int
	Output     string
	Err        error
}

// RemoteTransport opens connections to the remote execution channel.
type RemoteTransport interface {
	Open(ctx context.Context) (RemoteConnection, error)
}

// RemoteConnection probes and dispatches to nodes. Both calls return a stream that is
// closed when ctx is done or when every addressed node has answered.
type RemoteConnection interface {
	Probe(ctx context.Context, nodes []string) (<-chan NodeEvent, error)
	Dispatch(ctx context.Context, nodes []string, command string) (<-chan NodeEvent, error)
	Close() error
}

// ArtifactUploader copies a local file onto a server.
type ArtifactUploader interface {
	Upload(ctx context.Context, server domain.Server, localPath, remotePath string) error
}

// NodeTaskClient talks to the node-management service, which runs jobs asynchronously.
type NodeTaskClient interface {
	SubmitTask(ctx context.Context, path string, body any) (string, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
}

// InstanceJob is the body of a create-instance job submitted to the node-management service.
type InstanceJob struct {
	ServiceID uint   `json:"service_id"`
	ServerID  uint   `json:"server_id"`
	ImageID   string `json:"image_id"`
}
