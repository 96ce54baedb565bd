package domain

import "slices"

type ChangeKind string

const (
	ChangeCreateScope     ChangeKind = "create-scope"
	ChangeCreateService   ChangeKind = "create-service"
	ChangeUpdateService   ChangeKind = "update-service"
	ChangeCreateInstances ChangeKind = "create-instances"
	ChangeUpdateInstance  ChangeKind = "update-instance"
	ChangeInstallAgent    ChangeKind = "install-agent"
	ChangeRemoveInstance  ChangeKind = "remove-instance"
)

// Change is one planned mutation. Values are copied into a Plan and never modified afterwards.
type Change struct {
	Kind          ChangeKind
	Scope         string
	Service       string
	ServiceID     uint
	Image         *Image
	FromImageID   string
	NeedsDownload bool
	Dependencies  []string
	Servers       []Server
	Instances     []Instance

	// MissingDependencies were not registered when the plan was prepared.
	MissingDependencies []string
}

// Plan is the immutable result of a procedure's prepare step.
type Plan struct {
	Procedure     string
	Changes       []Change
	Image         *Image
	NeedsDownload bool
	// Excluded lists servers dropped from the plan before execution, with the reason.
	Excluded map[string]string
	prepared bool
}

// NewPlan copies changes so later edits by the caller never reach the plan.
func NewPlan(procedure string, image *Image, needsDownload bool, changes []Change) Plan {
	copied := make([]Change, len(changes))
	for i, c := range changes {
		c.Servers = slices.Clone(c.Servers)
		c.Instances = slices.Clone(c.Instances)
		c.Dependencies = slices.Clone(c.Dependencies)
		c.MissingDependencies = slices.Clone(c.MissingDependencies)
		if c.Image != nil {
			img := *c.Image
			c.Image = &img
		}
		copied[i] = c
	}
	var img *Image
	if image != nil {
		cp := *image
		img = &cp
	}
	return Plan{
		Procedure:     procedure,
		Changes:       copied,
		Image:         img,
		NeedsDownload: needsDownload && len(changes) > 0,
		Excluded:      map[string]string{},
		prepared:      true,
	}
}

// WithExcluded returns a copy of the plan that records servers left out of it.
func (p Plan) WithExcluded(excluded map[string]string) Plan {
	out := make(map[string]string, len(p.Excluded)+len(excluded))
	for k, v := range p.Excluded {
		out[k] = v
	}
	for k, v := range excluded {
		out[k] = v
	}
	p.Excluded = out
	return p
}

// Prepared reports whether the plan came out of a prepare step.
func (p Plan) Prepared() bool {
	return p.prepared
}

func (p Plan) NothingToDo() bool {
	return len(p.Changes) == 0
}

// ChangesOf returns the changes of the given kind in plan order.
func (p Plan) ChangesOf(kind ChangeKind) []Change {
	var out []Change
	for _, c := range p.Changes {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (p Plan) Has(kind ChangeKind) bool {
	return len(p.ChangesOf(kind)) > 0
}
