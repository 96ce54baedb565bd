package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageResolver_Resolve(t *testing.T) {
	v100 := image("img-100", "shop-api", "1.0.0")
	v110 := image("img-110", "shop-api", "1.1.0")
	v120 := image("img-120", "shop-api", "1.2.0")
	v200rc := image("img-200", "shop-api", "2.0.0-rc.1")
	v200rc.Channel = "beta"
	web := image("web-1", "shop-web", "1.0.0")

	catalog := &fakeCatalog{images: []domain.Image{v100, v110, v120, v200rc, web}}
	cache := newFakeCache(v100, v110)
	r := services.NewImageResolver(catalog, cache, logger.NewNop())

	tests := []struct {
		name         string
		selector     domain.ImageSelector
		wantID       string
		wantDownload bool
		wantErr      error
	}{
		{name: "latest on channel", selector: domain.Latest(), wantID: "img-120", wantDownload: true},
		{name: "current is newest cached", selector: domain.Current(), wantID: "img-110"},
		{name: "id from cache", selector: domain.ByID("img-100"), wantID: "img-100"},
		{name: "id from catalog", selector: domain.ByID("img-120"), wantID: "img-120", wantDownload: true},
		{name: "id of another image", selector: domain.ByID("web-1"), wantErr: services.ErrImageMismatch},
		{name: "unknown id", selector: domain.ByID("nope"), wantErr: domain.ErrNotFound},
		{name: "cached version", selector: domain.ByVersion("1.1.0"), wantID: "img-110"},
		{name: "published version", selector: domain.ByVersion("1.2.0"), wantID: "img-120", wantDownload: true},
		{name: "version on another channel", selector: domain.ByVersion("2.0.0-rc.1"), wantErr: domain.ErrNotFound},
		{name: "unknown selector", selector: domain.ImageSelector{Kind: "newest"}, wantErr: services.ErrUnknownSelector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(context.Background(), tt.selector, "shop-api", "stable")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, res.Image.ID)
			assert.Equal(t, tt.wantDownload, res.NeedsDownload)
		})
	}
}

func TestImageResolver_NothingPublished(t *testing.T) {
	r := services.NewImageResolver(&fakeCatalog{}, newFakeCache(), logger.NewNop())

	_, err := r.Resolve(context.Background(), domain.Latest(), "shop-api", "stable")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Resolve(context.Background(), domain.Current(), "shop-api", "stable")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.NotEmpty(t, nf.Remedy)
}

func TestImageResolver_NonSemanticVersions(t *testing.T) {
	older := image("a", "tool", "nightly")
	older.PublishedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := image("b", "tool", "nightly")
	newer.PublishedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	release := image("c", "tool", "0.1.0")
	release.PublishedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r := services.NewImageResolver(&fakeCatalog{images: []domain.Image{older, newer}}, newFakeCache(), logger.NewNop())
	res, err := r.Resolve(context.Background(), domain.Latest(), "tool", "stable")
	require.NoError(t, err)
	assert.Equal(t, "b", res.Image.ID)

	r = services.NewImageResolver(&fakeCatalog{images: []domain.Image{older, newer, release}}, newFakeCache(), logger.NewNop())
	res, err = r.Resolve(context.Background(), domain.Latest(), "tool", "stable")
	require.NoError(t, err)
	assert.Equal(t, "c", res.Image.ID, "a semantic version beats any other")
}
