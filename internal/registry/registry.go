// Package registry loads the declarative model catalog and resolves public
// model names to upstream backend descriptors.
package registry

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.yaml.in/yaml/v3"

	gateway "github.com/gonka-ai/gateway/internal"
)

// ModelNotFoundError reports an unknown public model name together with the
// names the registry does know, so the client error can list them.
type ModelNotFoundError struct {
	Name      string
	Available []string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not found, available: %v", e.Name, e.Available)
}

// Is makes errors.Is(err, gateway.ErrModelNotFound) work on the typed error.
func (e *ModelNotFoundError) Is(target error) bool {
	return target == gateway.ErrModelNotFound
}

// catalog is an immutable snapshot of the loaded backends. Reload builds a
// fresh one and swaps the pointer; readers never see a partial update.
type catalog struct {
	backends map[string]*gateway.ModelBackend
	order    []string // registration order = document order in the YAML
}

// Registry resolves public model names to backends.
type Registry struct {
	path    string
	catalog atomic.Pointer[catalog]
}

// New creates a Registry reading from the given catalog file. The registry
// starts empty; call Reload to populate it.
func New(path string) *Registry {
	r := &Registry{path: path}
	r.catalog.Store(&catalog{backends: map[string]*gateway.ModelBackend{}})
	return r
}

// backendEntry mirrors one model block in models.yaml.
type backendEntry struct {
	DisplayName   string             `yaml:"display_name"`
	Provider      string             `yaml:"provider"`
	ModelID       string             `yaml:"model_id"`
	Tier          string             `yaml:"tier"`
	BackendURL    string             `yaml:"backend_url"`
	Capabilities  []string           `yaml:"capabilities"`
	ContextLength int                `yaml:"context_length"`
	Pricing       map[string]float64 `yaml:"pricing"`
}

// catalogFile is the subset of models.yaml the registry cares about.
// Models is kept as a raw node so the document order of the map survives
// decoding (yaml.v3 maps lose ordering when decoded into a Go map).
type catalogFile struct {
	Models yaml.Node `yaml:"models"`
}

// Reload re-reads the catalog file and atomically replaces the backend map.
// On any error the previously loaded catalog keeps serving.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}
	next, err := parseCatalog(data)
	if err != nil {
		return err
	}
	r.catalog.Store(next)
	return nil
}

func parseCatalog(data []byte) (*catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}

	next := &catalog{backends: make(map[string]*gateway.ModelBackend)}
	if file.Models.Kind != yaml.MappingNode {
		return next, nil // no models block
	}

	// Mapping node content alternates key, value.
	for i := 0; i+1 < len(file.Models.Content); i += 2 {
		name := file.Models.Content[i].Value
		var entry backendEntry
		if err := file.Models.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("parse model %q: %w", name, err)
		}
		next.backends[name] = newBackend(name, entry)
		next.order = append(next.order, name)
	}
	return next, nil
}

func newBackend(name string, e backendEntry) *gateway.ModelBackend {
	b := &gateway.ModelBackend{
		Name:          name,
		DisplayName:   e.DisplayName,
		Provider:      e.Provider,
		ModelID:       e.ModelID,
		Tier:          e.Tier,
		BackendURL:    e.BackendURL,
		Capabilities:  e.Capabilities,
		ContextLength: e.ContextLength,
		Pricing:       e.Pricing,
	}
	if b.DisplayName == "" {
		b.DisplayName = name
	}
	if b.Provider == "" {
		b.Provider = "unknown"
	}
	if b.ModelID == "" {
		b.ModelID = name
	}
	if b.Tier == "" {
		b.Tier = "standard"
	}
	if b.BackendURL == "" {
		b.BackendURL = "http://localhost:8000"
	}
	if len(b.Capabilities) == 0 {
		b.Capabilities = []string{"chat"}
	}
	if b.ContextLength == 0 {
		b.ContextLength = 4096
	}
	return b
}

// Resolve looks up a public model name.
func (r *Registry) Resolve(name string) (*gateway.ModelBackend, error) {
	c := r.catalog.Load()
	if b, ok := c.backends[name]; ok {
		return b, nil
	}
	return nil, &ModelNotFoundError{Name: name, Available: append([]string(nil), c.order...)}
}

// List enumerates all backends in registration order.
func (r *Registry) List() []*gateway.ModelBackend {
	c := r.catalog.Load()
	out := make([]*gateway.ModelBackend, len(c.order))
	for i, name := range c.order {
		out[i] = c.backends[name]
	}
	return out
}

// Default returns the first-registered public model name, or "" if the
// registry is empty.
func (r *Registry) Default() string {
	c := r.catalog.Load()
	if len(c.order) == 0 {
		return ""
	}
	return c.order[0]
}

// Count returns the number of registered backends.
func (r *Registry) Count() int {
	return len(r.catalog.Load().order)
}
