package remote

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"golang.org/x/crypto/ssh"
)

// SSHTransport reaches nodes directly over SSH, resolving node ids to servers through the
// inventory. It is used before an agent exists on the node.
type SSHTransport struct {
	servers ports.Inventory
	dialer  *serverDialer
	logger  *logger.Logger
}

var _ ports.RemoteTransport = (*SSHTransport)(nil)

// serverDialer opens SSH clients to inventory servers with their stored credentials, falling
// back to the control plane key.
type serverDialer struct {
	creds      ports.CredentialSource
	cfg        config.SSHConfig
	defaultKey string
}

func newServerDialer(creds ports.CredentialSource, cfg config.SSHConfig) (*serverDialer, error) {
	d := &serverDialer{creds: creds, cfg: cfg}
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		d.defaultKey = string(key)
	}
	return d, nil
}

func (d *serverDialer) dial(ctx context.Context, server domain.Server) (*ssh.Client, error) {
	auth, err := d.creds.Credentials(ctx, server)
	if err != nil {
		return nil, err
	}
	user := auth.User
	if user == "" {
		user = d.cfg.User
	}
	key := auth.SSHKey
	if key == "" && auth.Password == "" {
		key = d.defaultKey
	}
	return NewSSHClient(SSHConfig{
		Host:       server.Address,
		Port:       server.SSHPort,
		User:       user,
		Password:   auth.Password,
		PrivateKey: key,
		Timeout:    d.cfg.Timeout,
		MaxRetries: d.cfg.MaxRetries,
	}).Connect(ctx)
}

func NewSSHTransport(servers ports.Inventory, creds ports.CredentialSource, cfg config.SSHConfig, log *logger.Logger) (*SSHTransport, error) {
	d, err := newServerDialer(creds, cfg)
	if err != nil {
		return nil, err
	}
	return &SSHTransport{servers: servers, dialer: d, logger: log}, nil
}

func (t *SSHTransport) Open(context.Context) (ports.RemoteConnection, error) {
	return &sshConnection{transport: t, clients: make(map[string]*ssh.Client)}, nil
}

type sshConnection struct {
	transport *SSHTransport

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

func (c *sshConnection) lookup(ctx context.Context, nodes []string) (map[string]domain.Server, error) {
	servers, err := c.transport.servers.ListServers(ctx, domain.ServerFilter{Hostnames: nodes})
	if err != nil {
		return nil, err
	}
	byNode := make(map[string]domain.Server, len(servers))
	for _, s := range servers {
		byNode[s.NodeID()] = s
	}
	return byNode, nil
}

// client returns the cached SSH client for node, dialing on first use.
func (c *sshConnection) client(ctx context.Context, server domain.Server) (*ssh.Client, error) {
	c.mu.Lock()
	cl, ok := c.clients[server.NodeID()]
	c.mu.Unlock()
	if ok {
		return cl, nil
	}

	cl, err := c.transport.dialer.dial(ctx, server)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[server.NodeID()]; ok {
		cl.Close()
		return existing, nil
	}
	c.clients[server.NodeID()] = cl
	return cl, nil
}

// fanOut runs fn for every node concurrently and closes the returned stream once all are done.
// Unknown nodes never answer.
func (c *sshConnection) fanOut(ctx context.Context, nodes []string, fn func(ctx context.Context, server domain.Server) ports.NodeEvent) (<-chan ports.NodeEvent, error) {
	byNode, err := c.lookup(ctx, nodes)
	if err != nil {
		return nil, err
	}

	out := make(chan ports.NodeEvent, len(nodes))
	var wg sync.WaitGroup
	for _, n := range nodes {
		server, ok := byNode[n]
		if !ok {
			c.transport.logger.Warnw("ssh_transport_unknown_node", "node", n)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- fn(ctx, server)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (c *sshConnection) Probe(ctx context.Context, nodes []string) (<-chan ports.NodeEvent, error) {
	return c.fanOut(ctx, nodes, func(ctx context.Context, server domain.Server) ports.NodeEvent {
		cl, err := c.client(ctx, server)
		if err != nil {
			c.transport.logger.Debugw("ssh_probe_failed", "node", server.NodeID(), "error", err)
			return ports.NodeEvent{Node: server.NodeID(), Err: err}
		}
		res, err := Execute(ctx, cl, "true")
		if err == nil && res.ExitStatus != 0 {
			err = fmt.Errorf("probe exited with status %d", res.ExitStatus)
		}
		return ports.NodeEvent{Node: server.NodeID(), Err: err}
	})
}

func (c *sshConnection) Dispatch(ctx context.Context, nodes []string, command string) (<-chan ports.NodeEvent, error) {
	return c.fanOut(ctx, nodes, func(ctx context.Context, server domain.Server) ports.NodeEvent {
		start := time.Now()
		cl, err := c.client(ctx, server)
		if err != nil {
			return ports.NodeEvent{Node: server.NodeID(), Err: err}
		}
		res, err := Execute(ctx, cl, command)
		c.transport.logger.Debugw("ssh_dispatch_done",
			"node", server.NodeID(),
			"exit_status", res.ExitStatus,
			"duration", time.Since(start),
			"error", err,
		)
		return ports.NodeEvent{Node: server.NodeID(), ExitStatus: res.ExitStatus, Output: res.Output, Err: err}
	})
}

func (c *sshConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, cl := range c.clients {
		cl.Close()
		delete(c.clients, node)
	}
	return nil
}
