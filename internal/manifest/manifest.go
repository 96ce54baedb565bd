// Package manifest reads rollout manifests: a scope, a catalog channel and an ordered list of
// procedures to converge.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Kind string

const (
	KindService Kind = "service"
	KindAgent   Kind = "agent"
	KindRemove  Kind = "remove"
)

var ErrInvalidManifest = errors.New("manifest: invalid")

type Manifest struct {
	Scope      string          `yaml:"scope"`
	Channel    string          `yaml:"channel"`
	Procedures []ProcedureSpec `yaml:"procedures"`
}

type ProcedureSpec struct {
	Kind Kind `yaml:"kind"`
	// Scope overrides the manifest scope for this procedure.
	Scope        string   `yaml:"scope,omitempty"`
	Service      string   `yaml:"service"`
	ImageName    string   `yaml:"image_name,omitempty"`
	Selector     string   `yaml:"selector,omitempty"`
	Channel      string   `yaml:"channel,omitempty"`
	Servers      []string `yaml:"servers,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	RemotePath   string   `yaml:"remote_path,omitempty"`

	DownloadCommand  string `yaml:"download_command,omitempty"`
	InstallCommand   string `yaml:"install_command,omitempty"`
	UninstallCommand string `yaml:"uninstall_command,omitempty"`
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if len(m.Procedures) == 0 {
		return fmt.Errorf("%w: no procedures", ErrInvalidManifest)
	}
	for i, p := range m.Procedures {
		where := fmt.Sprintf("procedures[%d]", i)
		if p.Service == "" {
			return fmt.Errorf("%w: %s: service is required", ErrInvalidManifest, where)
		}
		if m.ScopeOf(p) == "" {
			return fmt.Errorf("%w: %s: scope is required", ErrInvalidManifest, where)
		}
		switch p.Kind {
		case KindService, KindAgent:
			if p.ImageName == "" {
				return fmt.Errorf("%w: %s: image_name is required for kind %s", ErrInvalidManifest, where, p.Kind)
			}
		case KindRemove:
		default:
			return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidManifest, where, p.Kind)
		}
	}
	return nil
}

func (m *Manifest) ScopeOf(p ProcedureSpec) string {
	if p.Scope != "" {
		return p.Scope
	}
	return m.Scope
}

func (m *Manifest) ChannelOf(p ProcedureSpec) string {
	if p.Channel != "" {
		return p.Channel
	}
	return m.Channel
}
