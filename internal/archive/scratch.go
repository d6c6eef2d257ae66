// Package archive lays out a legacy `docker save`-compatible directory
// tree on disk (scratch.go) and then packs that tree into a byte-exact
// USTAR archive (tar.go).
//
// Splitting the two responsibilities this way lets blob downloads target
// real files on a real filesystem — required for the resumable, Range-based
// fetch in internal/registry — while still producing the single self-
// contained .tar file spec.md §6 describes as the tool's actual output.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	legacyVersionFileName      = "VERSION"
	legacyLayerConfigFileName  = "json"
	legacyLayerTarFileName     = "layer.tar"
	legacyManifestFileName     = "manifest.json"
	legacyRepositoriesFileName = "repositories"
)

// manifestEntry is the sole element of manifest.json's top-level array.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Scratch is the on-disk scratch directory for one reference pull.
type Scratch struct {
	Root string
}

// NewScratch creates the scratch root directory (and any missing
// parents) and returns a Scratch rooted there.
func NewScratch(root string) (*Scratch, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory %s: %w", root, err)
	}
	return &Scratch{Root: root}, nil
}

// WriteConfig writes the image config blob's raw bytes, unmodified, to
// "<configHex>.json".
func (s *Scratch) WriteConfig(configHex string, raw []byte) error {
	path := filepath.Join(s.Root, configHex+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// LayerDir returns the directory, inside the scratch root, that a layer's
// files live under.
func (s *Scratch) LayerDir(layerHex string) string {
	return filepath.Join(s.Root, layerHex)
}

// LayerTarPath returns the path a freshly fetched layer's decompressed
// tar content should be written to. Callers create the layer directory
// (via PrepareLayerDir) before fetching.
func (s *Scratch) LayerTarPath(layerHex string) string {
	return filepath.Join(s.LayerDir(layerHex), legacyLayerTarFileName)
}

// PrepareLayerDir creates the layer's directory and writes its VERSION
// and per-layer json metadata files. It does not create layer.tar itself:
// callers either fetch it (WriteLayerBlob is not needed — the registry
// session writes directly to LayerTarPath) or symlink it
// (LinkDuplicateLayer), depending on the duplicate-adjacent-digest rule.
func (s *Scratch) PrepareLayerDir(layerHex string, layerJSON []byte) error {
	dir := s.LayerDir(layerHex)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating layer directory %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, legacyVersionFileName), []byte("1.0"), 0o644); err != nil {
		return fmt.Errorf("writing VERSION for %s: %w", layerHex, err)
	}
	if err := os.WriteFile(filepath.Join(dir, legacyLayerConfigFileName), layerJSON, 0o644); err != nil {
		return fmt.Errorf("writing json for %s: %w", layerHex, err)
	}
	return nil
}

// LinkDuplicateLayer records layer.tar for layerHex as a symlink to the
// previous layer's already-fetched layer.tar, per spec.md §4.D step 8's
// duplicate-adjacent-digest optimization. The symlink is not dereferenced
// by the tar writer.
func (s *Scratch) LinkDuplicateLayer(layerHex, previousHex string) error {
	target := filepath.Join("..", previousHex, legacyLayerTarFileName)
	link := s.LayerTarPath(layerHex)
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("linking duplicate layer %s -> %s: %w", layerHex, previousHex, err)
	}
	return nil
}

// WriteManifestJSON writes the single-element manifest.json array.
// repoTags is nil for digest pulls, producing "RepoTags":null.
func (s *Scratch) WriteManifestJSON(configHex string, layerTarPaths []string, repoTags []string) error {
	entries := []manifestEntry{{
		Config:   configHex + ".json",
		RepoTags: repoTags,
		Layers:   layerTarPaths,
	}}
	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling manifest.json: %w", err)
	}
	b = append(b, '\n')
	path := filepath.Join(s.Root, legacyManifestFileName)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteRepositories writes the legacy repositories file, mapping
// repository -> tag -> final synthetic layer-ID hex. Only tag pulls write
// this file; digest pulls must not call it.
func (s *Scratch) WriteRepositories(repository, tag, finalHex string) error {
	repositories := map[string]map[string]string{
		repository: {tag: finalHex},
	}
	b, err := json.Marshal(repositories)
	if err != nil {
		return fmt.Errorf("marshaling repositories: %w", err)
	}
	b = append(b, '\n')
	path := filepath.Join(s.Root, legacyRepositoriesFileName)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Remove deletes the entire scratch directory tree.
func (s *Scratch) Remove() error {
	return os.RemoveAll(s.Root)
}
