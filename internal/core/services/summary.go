package services

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/netly/fleet/internal/domain"
)

// summarize renders a plan as ordered lines: scope and service creation first, then the image
// download, then the service update, then per-node work.
func summarize(plan domain.Plan) []string {
	var lines []string

	for _, c := range plan.ChangesOf(domain.ChangeCreateScope) {
		lines = append(lines, fmt.Sprintf("create scope %s", c.Scope))
	}
	for _, c := range plan.ChangesOf(domain.ChangeCreateService) {
		line := fmt.Sprintf("create service %s in scope %s at %s", c.Service, c.Scope, describeImage(c.Image))
		if len(c.Dependencies) > 0 {
			line += fmt.Sprintf(" (depends on %s)", strings.Join(c.Dependencies, ", "))
		}
		lines = append(lines, line+missingSuffix(c))
	}
	if plan.NeedsDownload && plan.Image != nil {
		lines = append(lines, fmt.Sprintf("download image %s", describeImage(plan.Image)))
	}
	for _, c := range plan.ChangesOf(domain.ChangeUpdateService) {
		if c.Image != nil && c.Image.ID != c.FromImageID {
			lines = append(lines, fmt.Sprintf("update service %s: image %s -> %s", c.Service, orNone(c.FromImageID), c.Image.ID)+missingSuffix(c))
		} else {
			lines = append(lines, fmt.Sprintf("update service %s: dependencies %s", c.Service, strings.Join(c.Dependencies, ", "))+missingSuffix(c))
		}
	}

	for _, c := range plan.Changes {
		switch c.Kind {
		case domain.ChangeCreateInstances:
			lines = append(lines, fmt.Sprintf("create instances of %s on %d servers: %s",
				c.Service, len(c.Servers), strings.Join(hostnames(c.Servers), ", ")))
		case domain.ChangeUpdateInstance:
			lines = append(lines, fmt.Sprintf("update %s on %s: %s -> %s",
				c.Service, serverName(c), orNone(c.FromImageID), imageID(c.Image)))
		case domain.ChangeInstallAgent:
			if c.FromImageID == "" {
				lines = append(lines, fmt.Sprintf("install agent %s on %s", imageID(c.Image), serverName(c)))
			} else {
				lines = append(lines, fmt.Sprintf("upgrade agent on %s: %s -> %s", serverName(c), c.FromImageID, imageID(c.Image)))
			}
		case domain.ChangeRemoveInstance:
			lines = append(lines, fmt.Sprintf("remove %s from %s", c.Service, serverName(c)))
		}
	}

	for _, host := range slices.Sorted(maps.Keys(plan.Excluded)) {
		lines = append(lines, fmt.Sprintf("skip %s: %s", host, plan.Excluded[host]))
	}
	return lines
}

// missingSuffix flags dependencies that must be rolled out before execute reaches this service.
func missingSuffix(c domain.Change) string {
	if len(c.MissingDependencies) == 0 {
		return ""
	}
	return fmt.Sprintf(" [missing: %s]", strings.Join(c.MissingDependencies, ", "))
}

func describeImage(img *domain.Image) string {
	if img == nil {
		return "<none>"
	}
	if img.Version == "" {
		return fmt.Sprintf("%s (%s)", img.Name, img.ID)
	}
	return fmt.Sprintf("%s %s (%s)", img.Name, img.Version, img.ID)
}

func imageID(img *domain.Image) string {
	if img == nil {
		return "<none>"
	}
	return img.ID
}

func serverName(c domain.Change) string {
	if len(c.Servers) == 0 {
		return "<unknown>"
	}
	return c.Servers[0].Hostname
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
