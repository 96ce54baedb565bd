package ports

import (
	"context"

	"github.com/netly/fleet/internal/domain"
)

// ImageCatalog is the remote, channel-scoped image catalog.
type ImageCatalog interface {
	ListImages(ctx context.Context, filter domain.ImageFilter) ([]domain.Image, error)
	GetImage(ctx context.Context, id string) (*domain.Image, error)
	// GetImageFile downloads the image artifact to destinationPath.
	GetImageFile(ctx context.Context, id string, destinationPath string) error
}

// ImageCache is the local store of downloaded images.
type ImageCache interface {
	ListImages(ctx context.Context, filter domain.ImageFilter) ([]domain.Image, error)
	GetImage(ctx context.Context, id string) (*domain.Image, error)
	Has(ctx context.Context, id string) (bool, error)
	Put(ctx context.Context, image domain.Image) error
	// PathFor is where the artifact of image id lives once downloaded.
	PathFor(id string) string
	// Ensure creates whatever the cache needs on disk before the first download.
	Ensure(ctx context.Context) error
}
