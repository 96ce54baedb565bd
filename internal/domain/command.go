package domain

import "time"

// Messages exchanged with node agents over the remote execution bus.

// ProbeRequest is broadcast during discovery. Agents whose node id is listed answer.
type ProbeRequest struct {
	ID    string   `json:"id"`
	Nodes []string `json:"nodes"`
}

// Presence is an agent's answer to a probe.
type Presence struct {
	Node     string `json:"node"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform,omitempty"`
	Uptime   uint64 `json:"uptime,omitempty"`
	Version  string `json:"version,omitempty"`
}

// ExecRequest asks an agent to run a shell command.
type ExecRequest struct {
	ID      string        `json:"id"`
	Node    string        `json:"node"`
	Command string        `json:"command"`
	Timeout time.Duration `json:"timeout"`
}

// ExecResult is the agent's reply once the command has finished.
type ExecResult struct {
	ID         string `json:"id"`
	Node       string `json:"node"`
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// DiscoverSubject is where probes are published; every agent subscribes to it.
func DiscoverSubject(prefix string) string {
	return prefix + ".discover"
}

// ExecSubject addresses the agent of one node.
func ExecSubject(prefix, node string) string {
	return prefix + ".exec." + node
}
