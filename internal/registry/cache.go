package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// DefaultCacheDir returns the per-user cache directory for downloaded model
// artifacts.
func DefaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(err, "registry: locate user cache dir")
	}
	return filepath.Join(base, "kelp-o-matic"), nil
}

// cachedName builds a collision-safe file name for a model artifact.
func (c *ModelConfig) cachedName() string {
	base := filepath.Base(c.Source)
	if !strings.HasSuffix(base, ".onnx") {
		base += ".onnx"
	}
	return fmt.Sprintf("%s_%s_%s", c.Name, c.Revision, base)
}

// IsCached reports whether a remote model artifact is already downloaded.
func (c *ModelConfig) IsCached(cacheDir string) bool {
	if !c.IsRemote() {
		return false
	}
	_, err := os.Stat(filepath.Join(cacheDir, c.cachedName()))
	return err == nil
}

// LocalPath returns the on-disk path of the model artifact, downloading it
// into cacheDir first when the source is a URL and not yet cached.
func (c *ModelConfig) LocalPath(ctx context.Context, cacheDir string) (string, error) {
	if !c.IsRemote() {
		if _, err := os.Stat(c.Source); err != nil {
			return "", errors.Wrapf(err, "registry: model file %s", c.Source)
		}
		return c.Source, nil
	}

	dest := filepath.Join(cacheDir, c.cachedName())
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", errors.Wrapf(err, "registry: create cache dir %s", cacheDir)
	}

	// Download to a temp name and rename so an interrupted download never
	// leaves a truncated file that later loads would trust.
	tmp := dest + ".part"
	client := resty.New()
	resp, err := client.R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(c.Source)
	if err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "registry: download %s", c.Source)
	}
	if resp.IsError() {
		os.Remove(tmp)
		return "", errors.Errorf("registry: download %s: HTTP %d", c.Source, resp.StatusCode())
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", errors.Wrapf(err, "registry: store %s", dest)
	}
	return dest, nil
}

// ClearCache removes every cached model artifact and returns the number of
// bytes freed.
func ClearCache(cacheDir string) (int64, error) {
	entries, err := os.ReadDir(cacheDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "registry: read cache dir %s", cacheDir)
	}

	var freed int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".onnx") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(cacheDir, entry.Name())); err != nil {
			return freed, errors.Wrapf(err, "registry: remove %s", entry.Name())
		}
		freed += info.Size()
	}
	return freed, nil
}
