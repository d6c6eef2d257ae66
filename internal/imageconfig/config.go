// Package imageconfig parses the OCI/Docker image config blob (the JSON
// document referenced by a manifest's config.digest) while preserving the
// byte-exact representation of every field whose value might later be
// re-embedded verbatim into a legacy per-layer document.
//
// spec.md §9 warns that round-tripping the config through a naive
// decode/encode cycle would normalize any \uXXXX escape sequences inside
// string fields (notably Env and Cmd), which would change the byte layout
// of the emitted per-layer json files and therefore the synthetic
// layer-IDs derived from them (internal/chainid), breaking compatibility.
// Rather than writing a custom JSON scanner to track escape forms (as
// original_source/util/json_util.py does for the Python implementation),
// this package leans on encoding/json.RawMessage: every field whose value
// might carry arbitrary string content is decoded into a RawMessage and
// never unmarshalled further, so its original bytes — escapes included —
// are copied through untouched wherever it is re-serialized.
package imageconfig

import (
	"encoding/json"
	"fmt"
)

// RootFS is the rootfs section of an image config: an ordered list of
// diff-ids, one per layer, outermost layer last.
type RootFS struct {
	Type    string   `json:"type"`
	DiffIDs []string `json:"diff_ids"`
}

// Config is the parsed image config blob. Fields that are only ever
// consumed as scalars (Created, Os, the rootfs diff-ids) are decoded
// normally; everything else that might be echoed back into a per-layer
// document is kept as a json.RawMessage.
type Config struct {
	Architecture  json.RawMessage `json:"architecture,omitempty"`
	Author        json.RawMessage `json:"author,omitempty"`
	Comment       json.RawMessage `json:"comment,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	Container     json.RawMessage `json:"container,omitempty"`
	ContainerCfg  json.RawMessage `json:"container_config,omitempty"`
	Created       string          `json:"created"`
	DockerVersion json.RawMessage `json:"docker_version,omitempty"`
	Os            string          `json:"os"`
	RootFS        RootFS          `json:"rootfs"`
	Size          *int64          `json:"size,omitempty"`
	Variant       json.RawMessage `json:"variant,omitempty"`

	// raw holds the exact bytes the registry returned, for writing
	// <config-digest-hex>.json into the scratch directory unmodified.
	raw []byte
}

// Parse decodes an image config blob. The returned Config's Raw() bytes
// are always identical to the input.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing image config: %w", err)
	}
	if len(c.RootFS.DiffIDs) == 0 {
		return nil, fmt.Errorf("parsing image config: rootfs.diff_ids is empty")
	}
	c.raw = append([]byte(nil), data...)
	return &c, nil
}

// Raw returns the exact bytes the registry returned for this config.
func (c *Config) Raw() []byte {
	return c.raw
}

// DiffIDs returns the ordered diff-id sequence, one per layer.
func (c *Config) DiffIDs() []string {
	return c.RootFS.DiffIDs
}
