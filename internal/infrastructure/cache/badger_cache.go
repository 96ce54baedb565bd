// Package cache is the local image store: artifacts live as files under a directory and their
// metadata is indexed in badger.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

const imagePrefix = "image:"

type Options struct {
	// Dir holds the artifacts under images/ and the index under index/.
	Dir string
	// InMemory keeps the index in memory; artifacts still go to Dir.
	InMemory bool
}

type BadgerCache struct {
	db     *badger.DB
	dir    string
	logger *logger.Logger
}

var _ ports.ImageCache = (*BadgerCache)(nil)

func NewBadgerCache(opts Options, log *logger.Logger) (*BadgerCache, error) {
	dir := filepath.Clean(opts.Dir)
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(filepath.Join(dir, "index"))
		bopts = bopts.WithValueLogFileSize(1 << 24)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open image index: %w", err)
	}
	return &BadgerCache{db: db, dir: dir, logger: log}, nil
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}

func imageKey(id string) []byte {
	return []byte(imagePrefix + id)
}

func (c *BadgerCache) Ensure(context.Context) error {
	return os.MkdirAll(filepath.Join(c.dir, "images"), 0o755)
}

func (c *BadgerCache) PathFor(id string) string {
	return filepath.Join(c.dir, "images", id)
}

func (c *BadgerCache) Has(_ context.Context, id string) (bool, error) {
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(imageKey(id))
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
	// An index entry without its artifact is stale.
	if _, err := os.Stat(c.PathFor(id)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *BadgerCache) Put(_ context.Context, image domain.Image) error {
	if image.LocalPath == "" {
		image.LocalPath = c.PathFor(image.ID)
	}
	data, err := json.Marshal(image)
	if err != nil {
		return err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(imageKey(image.ID), data)
	}); err != nil {
		c.logger.Errorw("image_cache_put_failed", "image_id", image.ID, "error", err)
		return err
	}
	c.logger.Infow("image_cache_put_ok", "image_id", image.ID, "name", image.Name, "version", image.Version)
	return nil
}

func (c *BadgerCache) GetImage(_ context.Context, id string) (*domain.Image, error) {
	var out domain.Image
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(imageKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &domain.NotFoundError{Kind: "image", Name: id}
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListImages returns the cached images matching filter. Channel is ignored: a downloaded image
// stays usable whatever channel it was published on.
func (c *BadgerCache) ListImages(_ context.Context, filter domain.ImageFilter) ([]domain.Image, error) {
	var out []domain.Image
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(imagePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var img domain.Image
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &img)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", strings.TrimPrefix(string(it.Item().Key()), imagePrefix), err)
			}
			if filter.Name != "" && img.Name != filter.Name {
				continue
			}
			if filter.Version != "" && img.Version != filter.Version {
				continue
			}
			out = append(out, img)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
