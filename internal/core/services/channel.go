package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/queue"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

const outputTail = 512

// RemoteChannel runs the two phases of a remote action over an open connection: discovery of
// the nodes that answer, then dispatch of commands to them.
type RemoteChannel struct {
	progress ports.ProgressSink
	logger   *logger.Logger
}

func NewRemoteChannel(progress ports.ProgressSink, log *logger.Logger) *RemoteChannel {
	if progress == nil {
		progress = ports.NopProgress{}
	}
	return &RemoteChannel{progress: progress, logger: log}
}

// Discover probes nodes and returns those that answered within timeout. Nodes that stay silent
// or answer with an error are reported to the operator and returned as missing; only a channel
// failure is an error.
func (c *RemoteChannel) Discover(ctx context.Context, conn ports.RemoteConnection, nodes []string, timeout time.Duration) ([]string, []string, error) {
	if len(nodes) == 0 {
		return nil, nil, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := conn.Probe(probeCtx, nodes)
	if err != nil {
		return nil, nil, &domain.RemoteProtocolError{Op: "discover", Err: err}
	}

	wanted := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		wanted[n] = true
	}
	seen := make(map[string]bool, len(nodes))
	failed := make(map[string]error)

collect:
	for len(seen)+len(failed) < len(wanted) {
		select {
		case ev, ok := <-stream:
			if !ok {
				break collect
			}
			if ev.Node == "" {
				if ev.Err != nil {
					return nil, nil, &domain.RemoteProtocolError{Op: "discover", Err: ev.Err}
				}
				continue
			}
			if !wanted[ev.Node] || seen[ev.Node] || failed[ev.Node] != nil {
				continue
			}
			if ev.Err != nil {
				failed[ev.Node] = ev.Err
				continue
			}
			seen[ev.Node] = true
		case <-probeCtx.Done():
			break collect
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, &domain.RemoteProtocolError{Op: "discover", Err: err}
	}

	var reachable, missing []string
	for _, n := range nodes {
		if seen[n] {
			reachable = append(reachable, n)
		} else {
			missing = append(missing, n)
		}
	}

	for _, n := range missing {
		if err := failed[n]; err != nil {
			c.progress.Error(fmt.Sprintf("%s failed discovery: %v, skipping", n, err))
			continue
		}
		c.progress.Error(fmt.Sprintf("%s did not answer discovery within %s, skipping", n, timeout))
	}
	c.logger.Infow("remote_discover_done",
		"requested", len(nodes),
		"reachable", len(reachable),
		"missing", missing,
	)
	return reachable, missing, nil
}

// Run dispatches command to a single node and waits for its result. A delivered result with a
// non-zero exit status is a *domain.TaskFailure.
func (c *RemoteChannel) Run(ctx context.Context, conn ports.RemoteConnection, node, phase, command string, timeout time.Duration) (ports.NodeEvent, error) {
	events, closed, err := c.dispatch(ctx, conn, []string{node}, phase, command, timeout)
	if err != nil {
		return ports.NodeEvent{}, err
	}
	ev, ok := events[node]
	if !ok {
		return ports.NodeEvent{}, noAnswer(phase, node, closed, timeout)
	}
	return ev, interpret(phase, ev)
}

// BroadcastResult holds what came back from a broadcast, per node.
type BroadcastResult struct {
	Phase    string
	Total    int
	Events   map[string]ports.NodeEvent
	Failures []*domain.TargetError
}

// Succeeded reports whether node answered with exit status 0.
func (r BroadcastResult) Succeeded(node string) bool {
	ev, ok := r.Events[node]
	return ok && ev.Err == nil && ev.ExitStatus == 0
}

// Err folds the per-node failures into one error.
func (r BroadcastResult) Err() error {
	return queue.Collect(r.Phase, r.Total, r.Failures)
}

// Broadcast dispatches command to every node at once and waits until all of them answered or
// timeout elapsed. Per-node failures are collected in the result; the returned error is set
// only when the channel itself failed.
func (c *RemoteChannel) Broadcast(ctx context.Context, conn ports.RemoteConnection, nodes []string, phase, command string, timeout time.Duration) (BroadcastResult, error) {
	res := BroadcastResult{Phase: phase, Total: len(nodes), Events: map[string]ports.NodeEvent{}}
	if len(nodes) == 0 {
		return res, nil
	}
	events, closed, err := c.dispatch(ctx, conn, nodes, phase, command, timeout)
	if err != nil {
		return res, err
	}
	res.Events = events

	for _, n := range nodes {
		ev, ok := events[n]
		if !ok {
			res.Failures = append(res.Failures, &domain.TargetError{Target: n, Err: noAnswer(phase, n, closed, timeout)})
			continue
		}
		if err := interpret(phase, ev); err != nil {
			res.Failures = append(res.Failures, &domain.TargetError{Target: n, Err: err})
		}
	}
	return res, nil
}

// dispatch collects one event per node. closed reports that the stream ended before every node
// answered.
func (c *RemoteChannel) dispatch(ctx context.Context, conn ports.RemoteConnection, nodes []string, phase, command string, timeout time.Duration) (map[string]ports.NodeEvent, bool, error) {
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	stream, err := conn.Dispatch(dispatchCtx, nodes, command)
	if err != nil {
		return nil, false, &domain.RemoteProtocolError{Op: phase, Err: err}
	}

	wanted := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		wanted[n] = true
	}
	events := make(map[string]ports.NodeEvent, len(nodes))

	for len(events) < len(wanted) {
		select {
		case ev, ok := <-stream:
			if !ok {
				return events, dispatchCtx.Err() == nil, nil
			}
			if ev.Node == "" {
				if ev.Err != nil {
					return nil, false, &domain.RemoteProtocolError{Op: phase, Err: ev.Err}
				}
				continue
			}
			if !wanted[ev.Node] {
				continue
			}
			if _, dup := events[ev.Node]; dup {
				continue
			}
			events[ev.Node] = ev
			c.logger.Debugw("remote_result",
				"phase", phase,
				"node", ev.Node,
				"exit_status", ev.ExitStatus,
				"elapsed", time.Since(started),
			)
		case <-dispatchCtx.Done():
			return events, false, nil
		}
	}
	return events, false, nil
}

func noAnswer(phase, node string, closed bool, timeout time.Duration) error {
	if closed {
		return &domain.RemoteProtocolError{Op: phase, Err: fmt.Errorf("%w before %s answered", ErrStreamClosed, node)}
	}
	return &domain.TimeoutError{Op: phase, Target: node, After: timeout}
}

func interpret(phase string, ev ports.NodeEvent) error {
	if ev.Err != nil {
		return &domain.RemoteProtocolError{Op: phase, Err: fmt.Errorf("%s: %w", ev.Node, ev.Err)}
	}
	if ev.ExitStatus != 0 {
		return &domain.TaskFailure{Target: ev.Node, ExitStatus: ev.ExitStatus, Message: tail(ev.Output)}
	}
	return nil
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > outputTail {
		output = "..." + output[len(output)-outputTail:]
	}
	return output
}
