package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// Resolution is the outcome of resolving a selector: exactly one image, and whether it still
// has to be fetched from the catalog into the local cache.
type Resolution struct {
	Image         domain.Image
	NeedsDownload bool
}

type ImageResolver struct {
	catalog ports.ImageCatalog
	cache   ports.ImageCache
	logger  *logger.Logger
}

func NewImageResolver(catalog ports.ImageCatalog, cache ports.ImageCache, log *logger.Logger) *ImageResolver {
	return &ImageResolver{catalog: catalog, cache: cache, logger: log}
}

// Resolve turns sel into a concrete image named name. channel scopes catalog queries.
func (r *ImageResolver) Resolve(ctx context.Context, sel domain.ImageSelector, name, channel string) (Resolution, error) {
	var (
		res Resolution
		err error
	)
	switch sel.Kind {
	case domain.SelectLatest, "":
		res, err = r.latest(ctx, name, channel)
	case domain.SelectCurrent:
		res, err = r.current(ctx, name)
	case domain.SelectID:
		res, err = r.byID(ctx, sel.Value, name)
	case domain.SelectVersion:
		res, err = r.byVersion(ctx, name, sel.Value, channel)
	default:
		return Resolution{}, &domain.ValidationError{Field: "selector", Reason: string(sel.Kind), Err: ErrUnknownSelector}
	}
	if err != nil {
		r.logger.Warnw("image_resolve_failed", "selector", sel.String(), "image", name, "error", err)
		return Resolution{}, err
	}
	r.logger.Infow("image_resolve_ok",
		"selector", sel.String(),
		"image", name,
		"image_id", res.Image.ID,
		"version", res.Image.Version,
		"needs_download", res.NeedsDownload,
	)
	return res, nil
}

func (r *ImageResolver) latest(ctx context.Context, name, channel string) (Resolution, error) {
	images, err := r.catalog.ListImages(ctx, domain.ImageFilter{Name: name, Channel: channel})
	if err != nil {
		return Resolution{}, fmt.Errorf("list catalog images: %w", err)
	}
	if len(images) == 0 {
		return Resolution{}, &domain.NotFoundError{
			Kind:   "image",
			Name:   name,
			Remedy: fmt.Sprintf("nothing is published for %s on channel %q", name, channel),
		}
	}
	best := newest(images)
	local, err := r.cache.Has(ctx, best.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("check local cache: %w", err)
	}
	if local {
		if cached, err := r.cache.GetImage(ctx, best.ID); err == nil {
			best = *cached
		}
	}
	return Resolution{Image: best, NeedsDownload: !local}, nil
}

func (r *ImageResolver) current(ctx context.Context, name string) (Resolution, error) {
	images, err := r.cache.ListImages(ctx, domain.ImageFilter{Name: name})
	if err != nil {
		return Resolution{}, fmt.Errorf("list cached images: %w", err)
	}
	if len(images) == 0 {
		return Resolution{}, &domain.NotFoundError{
			Kind:   "image",
			Name:   name,
			Remedy: "no local copy; use the latest selector to download one",
		}
	}
	return Resolution{Image: newest(images), NeedsDownload: false}, nil
}

func (r *ImageResolver) byID(ctx context.Context, id, name string) (Resolution, error) {
	image, fromCatalog, err := r.lookupID(ctx, id)
	if err != nil {
		return Resolution{}, err
	}
	if image.Name != name {
		return Resolution{}, &domain.ValidationError{
			Field:  "image",
			Reason: fmt.Sprintf("image %s is %q, expected %q", id, image.Name, name),
			Err:    ErrImageMismatch,
		}
	}
	return Resolution{Image: *image, NeedsDownload: fromCatalog}, nil
}

func (r *ImageResolver) lookupID(ctx context.Context, id string) (*domain.Image, bool, error) {
	image, err := r.cache.GetImage(ctx, id)
	if err == nil {
		return image, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("get cached image: %w", err)
	}
	image, err = r.catalog.GetImage(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, &domain.NotFoundError{Kind: "image", Name: id, Remedy: "check the image id against the catalog"}
		}
		return nil, false, fmt.Errorf("get catalog image: %w", err)
	}
	return image, true, nil
}

func (r *ImageResolver) byVersion(ctx context.Context, name, version, channel string) (Resolution, error) {
	cached, err := r.cache.ListImages(ctx, domain.ImageFilter{Name: name, Version: version})
	if err != nil {
		return Resolution{}, fmt.Errorf("list cached images: %w", err)
	}
	if len(cached) > 0 {
		return Resolution{Image: newest(cached), NeedsDownload: false}, nil
	}
	remote, err := r.catalog.ListImages(ctx, domain.ImageFilter{Name: name, Version: version, Channel: channel})
	if err != nil {
		return Resolution{}, fmt.Errorf("list catalog images: %w", err)
	}
	if len(remote) == 0 {
		return Resolution{}, &domain.NotFoundError{
			Kind:   "image",
			Name:   name + "@" + version,
			Remedy: fmt.Sprintf("version %s is neither cached nor published on channel %q", version, channel),
		}
	}
	return Resolution{Image: newest(remote), NeedsDownload: true}, nil
}

// newest picks the highest version. Semantic versions beat anything else; ties and
// non-semantic versions fall back to publish time, then to the version string.
func newest(images []domain.Image) domain.Image {
	sorted := make([]domain.Image, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareImages(sorted[i], sorted[j]) > 0
	})
	return sorted[0]
}

func compareImages(a, b domain.Image) int {
	va, errA := semver.NewVersion(a.Version)
	vb, errB := semver.NewVersion(b.Version)
	switch {
	case errA == nil && errB == nil:
		if c := va.Compare(vb); c != 0 {
			return c
		}
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	}
	if !a.PublishedAt.Equal(b.PublishedAt) {
		if a.PublishedAt.After(b.PublishedAt) {
			return 1
		}
		return -1
	}
	switch {
	case a.Version > b.Version:
		return 1
	case a.Version < b.Version:
		return -1
	}
	return 0
}
