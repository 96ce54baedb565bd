package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/cache"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and seed the local image cache",
	}
	cmd.AddCommand(newCacheListCmd(), newCacheImportCmd())
	return cmd
}

// openCache opens only the image cache, so these commands work without a database.
func openCache(cmd *cobra.Command) (*cache.BadgerCache, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	c, err := cache.NewBadgerCache(cache.Options{Dir: cfg.Cache.Dir}, log.Named("cache"))
	if err != nil {
		return nil, err
	}
	if err := c.Ensure(cmd.Context()); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newCacheListCmd() *cobra.Command {
	var filter domain.ImageFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			images, err := c.ListImages(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tCHANNEL\tSIZE")
			for _, img := range images {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", img.ID, img.Name, img.Version, img.Channel, img.Size)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Name, "name", "", "only images with this logical name")
	cmd.Flags().StringVar(&filter.Version, "version", "", "only this version")
	return cmd
}

func newCacheImportCmd() *cobra.Command {
	var (
		file  string
		image domain.Image
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Add a local artifact to the cache, for example the agent binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			size, sum, err := copyArtifact(file, c.PathFor(image.ID))
			if err != nil {
				return err
			}
			image.Size = size
			image.Checksum = sum
			image.PublishedAt = time.Now().UTC()
			if err := c.Put(cmd.Context(), image); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s %s as %s\n", image.Name, image.Version, image.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "artifact to import")
	f.StringVar(&image.ID, "id", "", "image id")
	f.StringVar(&image.Name, "name", "", "logical image name")
	f.StringVar(&image.Version, "version", "", "semantic version")
	f.StringVar(&image.Channel, "channel", "stable", "catalog channel")
	for _, name := range []string{"file", "id", "name", "version"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func copyArtifact(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create cache file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, "", fmt.Errorf("failed to copy artifact: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
