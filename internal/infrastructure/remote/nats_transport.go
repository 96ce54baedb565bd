package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// NatsTransport talks to node agents over a NATS bus. Probes are published once to every agent;
// commands go to each node's exec subject. Replies of one call share an inbox.
type NatsTransport struct {
	url    string
	prefix string
	name   string
	logger *logger.Logger
}

var _ ports.RemoteTransport = (*NatsTransport)(nil)

func NewNatsTransport(cfg config.NatsConfig, log *logger.Logger) *NatsTransport {
	return &NatsTransport{url: cfg.URL, prefix: cfg.SubjectPrefix, name: "fleetctl", logger: log}
}

func (t *NatsTransport) Open(ctx context.Context) (ports.RemoteConnection, error) {
	opts := []nats.Option{
		nats.Name(t.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warnw("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Infow("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(t.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", t.url, err)
	}
	t.logger.Infow("nats_connected", "url", nc.ConnectedUrl())
	return &natsConnection{nc: nc, prefix: t.prefix, logger: t.logger}, nil
}

type natsConnection struct {
	nc     *nats.Conn
	prefix string
	logger *logger.Logger
}

// collect subscribes to a fresh inbox, calls publish with it, then decodes replies into events
// until every node has answered or ctx is done.
func (c *natsConnection) collect(ctx context.Context, nodes []string, publish func(inbox string) error, decode func(data []byte) (ports.NodeEvent, error)) (<-chan ports.NodeEvent, error) {
	inbox := c.nc.NewRespInbox()
	msgs := make(chan *nats.Msg, len(nodes)*2+1)
	sub, err := c.nc.ChanSubscribe(inbox, msgs)
	if err != nil {
		return nil, err
	}
	if err := publish(inbox); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	wanted := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		wanted[n] = true
	}

	out := make(chan ports.NodeEvent, len(nodes)+1)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		answered := make(map[string]bool, len(nodes))
		for len(answered) < len(wanted) {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				ev, err := decode(msg.Data)
				if err != nil {
					c.logger.Warnw("nats_reply_invalid", "subject", msg.Subject, "error", err)
					continue
				}
				if !wanted[ev.Node] || answered[ev.Node] {
					continue
				}
				answered[ev.Node] = true
				out <- ev
			}
		}
	}()
	return out, nil
}

func (c *natsConnection) Probe(ctx context.Context, nodes []string) (<-chan ports.NodeEvent, error) {
	req, err := json.Marshal(domain.ProbeRequest{ID: uuid.NewString(), Nodes: nodes})
	if err != nil {
		return nil, err
	}
	return c.collect(ctx, nodes,
		func(inbox string) error {
			return c.nc.PublishRequest(domain.DiscoverSubject(c.prefix), inbox, req)
		},
		func(data []byte) (ports.NodeEvent, error) {
			var p domain.Presence
			if err := json.Unmarshal(data, &p); err != nil {
				return ports.NodeEvent{}, err
			}
			c.logger.Debugw("nats_presence", "node", p.Node, "platform", p.Platform, "version", p.Version)
			return ports.NodeEvent{Node: p.Node}, nil
		},
	)
}

func (c *natsConnection) Dispatch(ctx context.Context, nodes []string, command string) (<-chan ports.NodeEvent, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	id := uuid.NewString()

	return c.collect(ctx, nodes,
		func(inbox string) error {
			for _, n := range nodes {
				req, err := json.Marshal(domain.ExecRequest{ID: id, Node: n, Command: command, Timeout: timeout})
				if err != nil {
					return err
				}
				if err := c.nc.PublishRequest(domain.ExecSubject(c.prefix, n), inbox, req); err != nil {
					return fmt.Errorf("publish to %s: %w", n, err)
				}
			}
			return c.nc.Flush()
		},
		func(data []byte) (ports.NodeEvent, error) {
			var res domain.ExecResult
			if err := json.Unmarshal(data, &res); err != nil {
				return ports.NodeEvent{}, err
			}
			if res.ID != id {
				return ports.NodeEvent{}, fmt.Errorf("reply for request %s", res.ID)
			}
			ev := ports.NodeEvent{Node: res.Node, ExitStatus: res.ExitStatus, Output: res.Output}
			if res.Error != "" {
				ev.Err = errors.New(res.Error)
			}
			return ev, nil
		},
	)
}

func (c *natsConnection) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}
