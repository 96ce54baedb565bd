// Package responder answers the control plane over NATS: discovery probes and command dispatch.
package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/netly/fleet/internal/agent/executor"
	"github.com/netly/fleet/internal/agent/stats"
	"github.com/netly/fleet/internal/domain"
	"go.uber.org/zap"
)

type FactSource interface {
	Collect(ctx context.Context) stats.HostFacts
}

type Config struct {
	Node          string
	SubjectPrefix string
	Version       string
	Facts         FactSource
	Executor      *executor.Executor
	Logger        *zap.Logger
}

type Responder struct {
	node    string
	prefix  string
	version string
	facts   FactSource
	exec    *executor.Executor
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

func New(cfg Config) *Responder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		node:    cfg.Node,
		prefix:  cfg.SubjectPrefix,
		version: cfg.Version,
		facts:   cfg.Facts,
		exec:    cfg.Executor,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the discovery subject and to this node's exec subject.
func (r *Responder) Start(nc *nats.Conn) error {
	discover, err := nc.Subscribe(domain.DiscoverSubject(r.prefix), func(msg *nats.Msg) {
		reply, ok, err := r.handleProbe(r.ctx, msg.Data)
		if err != nil {
			r.logger.Warn("bad probe", zap.Error(err))
			return
		}
		if !ok || msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			r.logger.Warn("probe reply failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe discover: %w", err)
	}
	r.subs = append(r.subs, discover)

	execSubject := domain.ExecSubject(r.prefix, r.node)
	exec, err := nc.Subscribe(execSubject, func(msg *nats.Msg) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			reply, err := r.handleExec(r.ctx, msg.Data)
			if err != nil {
				r.logger.Warn("bad exec request", zap.Error(err))
				return
			}
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				r.logger.Warn("exec reply failed", zap.Error(err))
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe exec: %w", err)
	}
	r.subs = append(r.subs, exec)

	r.logger.Info("responder started",
		zap.String("node", r.node),
		zap.String("exec_subject", execSubject),
	)
	return nil
}

// Stop unsubscribes, cancels running commands and waits for their replies.
func (r *Responder) Stop() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
	r.cancel()
	r.wg.Wait()
}

// handleProbe returns the presence reply, or false when the probe does not list this node.
func (r *Responder) handleProbe(ctx context.Context, data []byte) ([]byte, bool, error) {
	var req domain.ProbeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, false, err
	}
	if len(req.Nodes) > 0 && !slices.Contains(req.Nodes, r.node) {
		return nil, false, nil
	}

	facts := r.facts.Collect(ctx)
	reply, err := json.Marshal(domain.Presence{
		Node:     r.node,
		Hostname: facts.Hostname,
		Platform: facts.Platform,
		Uptime:   facts.Uptime,
		Version:  r.version,
	})
	return reply, err == nil, err
}

func (r *Responder) handleExec(ctx context.Context, data []byte) ([]byte, error) {
	var req domain.ExecRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Node != "" && req.Node != r.node {
		return nil, fmt.Errorf("request for node %q delivered to %q", req.Node, r.node)
	}

	r.logger.Info("executing command", zap.String("id", req.ID), zap.Duration("timeout", req.Timeout))
	started := time.Now()
	res, err := r.exec.Execute(ctx, req.Command, req.Timeout)

	result := domain.ExecResult{
		ID:         req.ID,
		Node:       r.node,
		ExitStatus: res.ExitCode,
		Output:     res.Output,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		r.logger.Error("command execution failed", zap.String("id", req.ID), zap.Error(err))
	} else {
		r.logger.Info("command finished", zap.String("id", req.ID), zap.Int("exit_status", res.ExitCode))
	}
	return json.Marshal(result)
}
