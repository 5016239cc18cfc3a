package deploy

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/quayside/stackctl/internal/checksum"
	"github.com/quayside/stackctl/internal/version"
)

// Bundle describes a downloaded release: the target app version and the
// module packages shipped with it. Payload paths are relative to the
// bundle file's directory.
type Bundle struct {
	AppVersion string         `toml:"app_version"`
	Modules    []BundleModule `toml:"module"`
}

// BundleModule is one module entry in a bundle file.
type BundleModule struct {
	ID           string   `toml:"id"`
	Version      string   `toml:"version"`
	Checksum     string   `toml:"checksum"`
	Dependencies []string `toml:"dependencies"`
	Payload      string   `toml:"payload"`
}

// LoadBundle parses and validates a bundle from TOML data. source names
// the origin for error messages; baseDir anchors relative payload paths.
// Unknown keys are rejected so a typoed field cannot silently drop a
// module's checksum.
func LoadBundle(data []byte, source string, baseDir string) (Bundle, error) {
	var bundle Bundle
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&bundle); err != nil {
		return Bundle{}, fmt.Errorf("invalid bundle %s: %w", source, err)
	}
	normalized, err := version.Normalize(bundle.AppVersion)
	if err != nil {
		return Bundle{}, fmt.Errorf("bundle %s: app_version: %w", source, err)
	}
	bundle.AppVersion = normalized
	if len(bundle.Modules) == 0 {
		return Bundle{}, fmt.Errorf("bundle %s lists no modules", source)
	}
	seen := make(map[string]struct{}, len(bundle.Modules))
	for i, mod := range bundle.Modules {
		if mod.ID == "" {
			return Bundle{}, fmt.Errorf("bundle %s: module %d has no id", source, i)
		}
		if !validModuleID(mod.ID) {
			return Bundle{}, fmt.Errorf("bundle %s: invalid module id %q: must be a bare directory name", source, mod.ID)
		}
		if _, dup := seen[mod.ID]; dup {
			return Bundle{}, fmt.Errorf("bundle %s: duplicate module id %q", source, mod.ID)
		}
		seen[mod.ID] = struct{}{}
		if _, err := version.Normalize(mod.Version); err != nil {
			return Bundle{}, fmt.Errorf("bundle %s: module %s: %w", source, mod.ID, err)
		}
		if _, err := checksum.Parse(mod.Checksum); err != nil {
			return Bundle{}, fmt.Errorf("bundle %s: module %s: %w", source, mod.ID, err)
		}
		if mod.Payload == "" {
			return Bundle{}, fmt.Errorf("bundle %s: module %s has no payload", source, mod.ID)
		}
		if !filepath.IsAbs(mod.Payload) {
			bundle.Modules[i].Payload = filepath.Join(baseDir, filepath.FromSlash(mod.Payload))
		}
	}
	return bundle, nil
}

// Descriptors converts the bundle into module descriptors, restricted to
// the requested ids when requested is non-empty. Requested dependencies
// inside the bundle are pulled in transitively so a partial selection
// still installs a consistent set.
func (b Bundle) Descriptors(requested []string) ([]ModuleDescriptor, error) {
	byID := make(map[string]BundleModule, len(b.Modules))
	for _, mod := range b.Modules {
		byID[mod.ID] = mod
	}

	var selected map[string]struct{}
	if len(requested) == 0 {
		selected = make(map[string]struct{}, len(b.Modules))
		for id := range byID {
			selected[id] = struct{}{}
		}
	} else {
		selected = make(map[string]struct{})
		queue := append([]string(nil), requested...)
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if _, ok := selected[id]; ok {
				continue
			}
			mod, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("module %q is not in the bundle", id)
			}
			selected[id] = struct{}{}
			queue = append(queue, mod.Dependencies...)
		}
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	descs := make([]ModuleDescriptor, 0, len(ids))
	for _, id := range ids {
		mod := byID[id]
		descs = append(descs, ModuleDescriptor{
			ID:           mod.ID,
			Version:      mod.Version,
			Checksum:     mod.Checksum,
			Dependencies: append([]string(nil), mod.Dependencies...),
			PayloadPath:  mod.Payload,
		})
	}
	return descs, nil
}
