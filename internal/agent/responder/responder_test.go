package responder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/netly/fleet/internal/agent/executor"
	"github.com/netly/fleet/internal/agent/stats"
	"github.com/netly/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticFacts struct{}

func (staticFacts) Collect(context.Context) stats.HostFacts {
	return stats.HostFacts{Hostname: "web-1.internal", Platform: "debian", Uptime: 42}
}

func newResponder() *Responder {
	return New(Config{
		Node:          "web-1",
		SubjectPrefix: "fleet",
		Version:       "1.4.0",
		Facts:         staticFacts{},
		Executor:      executor.NewExecutor(time.Second, false),
		Logger:        zap.NewNop(),
	})
}

func TestHandleProbe(t *testing.T) {
	t.Parallel()
	r := newResponder()

	tests := []struct {
		name   string
		nodes  []string
		answer bool
	}{
		{"listed", []string{"web-0", "web-1"}, true},
		{"not listed", []string{"web-2"}, false},
		{"open probe", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(domain.ProbeRequest{ID: "p1", Nodes: tt.nodes})
			reply, ok, err := r.handleProbe(context.Background(), data)
			require.NoError(t, err)
			require.Equal(t, tt.answer, ok)
			if !ok {
				return
			}
			var p domain.Presence
			require.NoError(t, json.Unmarshal(reply, &p))
			assert.Equal(t, domain.Presence{Node: "web-1", Hostname: "web-1.internal", Platform: "debian", Uptime: 42, Version: "1.4.0"}, p)
		})
	}

	_, _, err := r.handleProbe(context.Background(), []byte("{"))
	assert.Error(t, err)
}

func TestHandleExec(t *testing.T) {
	t.Parallel()
	r := newResponder()

	run := func(req domain.ExecRequest) domain.ExecResult {
		t.Helper()
		data, _ := json.Marshal(req)
		reply, err := r.handleExec(context.Background(), data)
		require.NoError(t, err)
		var res domain.ExecResult
		require.NoError(t, json.Unmarshal(reply, &res))
		return res
	}

	res := run(domain.ExecRequest{ID: "d1", Node: "web-1", Command: "echo ok"})
	assert.Equal(t, "d1", res.ID)
	assert.Equal(t, "web-1", res.Node)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "ok\n", res.Output)
	assert.Empty(t, res.Error)

	res = run(domain.ExecRequest{ID: "d2", Node: "web-1", Command: "exit 7"})
	assert.Equal(t, 7, res.ExitStatus)
	assert.Empty(t, res.Error)

	res = run(domain.ExecRequest{ID: "d3", Node: "web-1", Command: "exec sleep 5", Timeout: 100 * time.Millisecond})
	assert.Equal(t, -1, res.ExitStatus)
	assert.Contains(t, res.Error, "timed out")

	data, _ := json.Marshal(domain.ExecRequest{ID: "d4", Node: "web-2", Command: "true"})
	_, err := r.handleExec(context.Background(), data)
	assert.Error(t, err)
}
