package domain

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

type SelectorKind string

const (
	SelectLatest  SelectorKind = "latest"
	SelectCurrent SelectorKind = "current"
	SelectID      SelectorKind = "id"
	SelectVersion SelectorKind = "version"
)

// ImageSelector names the image a procedure should converge to.
type ImageSelector struct {
	Kind  SelectorKind
	Value string
}

func Latest() ImageSelector  { return ImageSelector{Kind: SelectLatest} }
func Current() ImageSelector { return ImageSelector{Kind: SelectCurrent} }

func ByID(id string) ImageSelector { return ImageSelector{Kind: SelectID, Value: id} }

func ByVersion(version string) ImageSelector {
	return ImageSelector{Kind: SelectVersion, Value: version}
}

// ParseSelector accepts "latest", "current", "id:<id>", "version:<v>" or a bare semantic version.
func ParseSelector(raw string) (ImageSelector, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == string(SelectLatest):
		return Latest(), nil
	case raw == string(SelectCurrent):
		return Current(), nil
	case strings.HasPrefix(raw, "id:"):
		id := strings.TrimPrefix(raw, "id:")
		if id == "" {
			return ImageSelector{}, &ValidationError{Field: "selector", Reason: "empty image id"}
		}
		return ByID(id), nil
	case strings.HasPrefix(raw, "version:"):
		v := strings.TrimPrefix(raw, "version:")
		if v == "" {
			return ImageSelector{}, &ValidationError{Field: "selector", Reason: "empty version"}
		}
		return ByVersion(v), nil
	}
	if _, err := semver.NewVersion(raw); err == nil {
		return ByVersion(raw), nil
	}
	return ImageSelector{}, &ValidationError{
		Field:  "selector",
		Reason: fmt.Sprintf("%q is not latest, current, id:<id>, version:<v> or a version", raw),
	}
}

func (s ImageSelector) String() string {
	switch s.Kind {
	case SelectID, SelectVersion:
		return string(s.Kind) + ":" + s.Value
	case "":
		return string(SelectLatest)
	default:
		return string(s.Kind)
	}
}
