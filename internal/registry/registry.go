// Package registry indexes the segmentation models available for inference.
// Each model is described by a YAML config file naming its ONNX artifact,
// input/output shape, and normalization constants. Multiple revisions of the
// same model may coexist; revisions use calendar versioning so the latest
// revision is the lexicographically greatest.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ModelConfig describes one revision of a segmentation model.
type ModelConfig struct {
	// Name identifies the model in the registry, e.g. "kelp-rgb".
	Name string `yaml:"name"`

	// Revision is a calendar-version string, e.g. "20240722".
	Revision string `yaml:"revision"`

	// Description is a short human-readable summary.
	Description string `yaml:"description"`

	// Source is the ONNX artifact location: a local path or an HTTP(S) URL
	// downloaded into the cache on first use.
	Source string `yaml:"source"`

	// InputChannels is the number of bands the model consumes.
	InputChannels int `yaml:"inputChannels"`

	// NumClasses is the number of output classes per pixel.
	NumClasses int `yaml:"numClasses"`

	// ClassNames optionally labels the output classes, index-aligned.
	ClassNames []string `yaml:"classNames"`

	// InputSize is the tile edge length the model was exported for.
	InputSize int `yaml:"inputSize"`

	// Mean and Std are per-channel normalization constants. Empty slices
	// disable normalization beyond pixel scaling.
	Mean []float64 `yaml:"mean"`
	Std  []float64 `yaml:"std"`

	// MaxPixelValue scales raw band values before normalization. Zero
	// means auto: derived from the input image bit depth.
	MaxPixelValue float64 `yaml:"maxPixelValue"`

	// InputName and OutputName are the ONNX graph tensor names.
	InputName  string `yaml:"inputName"`
	OutputName string `yaml:"outputName"`

	// DefaultClass is the class assumed for uniform (nodata) tiles.
	DefaultClass uint8 `yaml:"defaultClass"`

	// NoDataValue is the class written for pixels with no contribution.
	NoDataValue uint8 `yaml:"noDataValue"`
}

// Validate checks the config for the fields inference requires.
func (c *ModelConfig) Validate() error {
	if c.Name == "" {
		return errors.New("registry: model name is required")
	}
	if c.Revision == "" {
		return errors.Errorf("registry: model %q has no revision", c.Name)
	}
	if c.Source == "" {
		return errors.Errorf("registry: model %q has no source", c.Name)
	}
	if c.InputChannels <= 0 {
		return errors.Errorf("registry: model %q: inputChannels must be positive, got %d", c.Name, c.InputChannels)
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("registry: model %q: numClasses must be positive, got %d", c.Name, c.NumClasses)
	}
	if c.InputSize <= 0 || c.InputSize%2 != 0 {
		return errors.Errorf("registry: model %q: inputSize must be positive and even, got %d", c.Name, c.InputSize)
	}
	if len(c.Mean) > 0 && len(c.Mean) != c.InputChannels {
		return errors.Errorf("registry: model %q: mean has %d entries for %d channels", c.Name, len(c.Mean), c.InputChannels)
	}
	if len(c.Std) > 0 && len(c.Std) != c.InputChannels {
		return errors.Errorf("registry: model %q: std has %d entries for %d channels", c.Name, len(c.Std), c.InputChannels)
	}
	if len(c.ClassNames) > 0 && len(c.ClassNames) != c.NumClasses {
		return errors.Errorf("registry: model %q: %d class names for %d classes", c.Name, len(c.ClassNames), c.NumClasses)
	}
	return nil
}

// IsRemote reports whether the model artifact must be downloaded.
func (c *ModelConfig) IsRemote() bool {
	return strings.HasPrefix(c.Source, "http://") || strings.HasPrefix(c.Source, "https://")
}

// Registry holds the known model configurations, keyed by name and revision.
type Registry struct {
	models map[string]map[string]ModelConfig
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]map[string]ModelConfig)}
}

// FromConfigDir loads every *.yaml and *.yml file in dir as a model config.
func FromConfigDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: read config dir %s", dir)
	}

	reg := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "registry: read %s", entry.Name())
		}
		var cfg ModelConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "registry: parse %s", entry.Name())
		}
		if err := reg.Register(cfg); err != nil {
			return nil, errors.Wrapf(err, "registry: %s", entry.Name())
		}
	}
	return reg, nil
}

// Register validates and adds one model config.
func (r *Registry) Register(cfg ModelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	revs, ok := r.models[cfg.Name]
	if !ok {
		revs = make(map[string]ModelConfig)
		r.models[cfg.Name] = revs
	}
	if _, exists := revs[cfg.Revision]; exists {
		return errors.Errorf("registry: model %q revision %q registered twice", cfg.Name, cfg.Revision)
	}
	revs[cfg.Revision] = cfg
	return nil
}

// Names returns the registered model names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Revisions returns the revisions of one model, newest first.
func (r *Registry) Revisions(name string) ([]string, error) {
	revs, ok := r.models[name]
	if !ok {
		return nil, errors.Errorf("registry: model %q is not registered", name)
	}
	out := make([]string, 0, len(revs))
	for rev := range revs {
		out = append(out, rev)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// LatestRevision returns the newest revision string of one model.
func (r *Registry) LatestRevision(name string) (string, error) {
	revs, err := r.Revisions(name)
	if err != nil {
		return "", err
	}
	return revs[0], nil
}

// Get retrieves a model config. revision may be empty or "latest" for the
// newest revision.
func (r *Registry) Get(name, revision string) (ModelConfig, error) {
	revs, ok := r.models[name]
	if !ok {
		return ModelConfig{}, errors.Errorf("registry: model %q is not registered", name)
	}
	if revision == "" || revision == "latest" {
		latest, err := r.LatestRevision(name)
		if err != nil {
			return ModelConfig{}, err
		}
		revision = latest
	}
	cfg, ok := revs[revision]
	if !ok {
		return ModelConfig{}, errors.Errorf("registry: model %q has no revision %q", name, revision)
	}
	return cfg, nil
}

// Len returns the total number of registered model revisions.
func (r *Registry) Len() int {
	n := 0
	for _, revs := range r.models {
		n += len(revs)
	}
	return n
}
