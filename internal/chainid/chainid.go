// Package chainid computes the two identifiers that give a legacy
// `docker save` archive its on-disk layout: the content-addressed chain-ID
// (used only internally, as the layer_id of each layer's hashing document)
// and the
// synthetic per-layer ID that names each layer's directory inside the
// archive and chains the layers together the way Docker's own legacy
// image store did before content-addressed storage.
//
// Both are grounded in original_source/container_image.py's chain_ids()
// and layer_ids_list(), which build two structurally similar but distinct
// JSON documents per layer:
//
//   - an ephemeral "hashing document" (ephemeralDoc below), fed to SHA-256
//     to produce the synthetic ID itself, never written to disk;
//   - the on-disk "json" document (onDiskDoc below), written into the
//     layer's directory in the final archive and read by `docker load`.
//
// The two documents share a container_config and, for the final layer
// only, a config built from the image's own config blob — but their field
// sets, field order, and omission rules differ, so they are kept as
// separate types rather than one "layer doc" reused for both purposes.
package chainid

import (
	"bytes"
	"encoding/json"
	"fmt"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocipull/ocipull/internal/imageconfig"
)

// ChainIDs computes the chain-ID sequence for an ordered list of diff-ids,
// per spec.md §4.C:
//
//	chain_id[0] = diff_id[0]
//	chain_id[i] = "sha256:" + sha256hex(chain_id[i-1] + " " + diff_id[i])
func ChainIDs(diffIDs []string) []string {
	if len(diffIDs) == 0 {
		return nil
	}
	chainIDs := make([]string, len(diffIDs))
	chainIDs[0] = diffIDs[0]
	for i := 1; i < len(diffIDs); i++ {
		chainIDs[i] = digest.FromString(chainIDs[i-1] + " " + diffIDs[i]).String()
	}
	return chainIDs
}

// containerConfig mirrors original_source/schemas.py's ContainerConfig
// dataclass field-for-field, in declaration order: encoding/json marshals
// struct fields in declared order, so this order is what ends up on the
// wire and therefore what feeds the SHA-256 hash. String-bearing fields
// that might carry arbitrary content (and therefore escape sequences that
// must survive byte-for-byte) are kept as json.RawMessage; the rest are
// plain scalars that Docker never lets carry exotic content.
type containerConfig struct {
	Hostname        json.RawMessage `json:"Hostname"`
	Domainname      json.RawMessage `json:"Domainname"`
	User            json.RawMessage `json:"User"`
	AttachStdin     bool            `json:"AttachStdin"`
	AttachStdout    bool            `json:"AttachStdout"`
	AttachStderr    bool            `json:"AttachStderr"`
	ExposedPorts    json.RawMessage `json:"ExposedPorts,omitempty"`
	Tty             bool            `json:"Tty"`
	OpenStdin       bool            `json:"OpenStdin"`
	StdinOnce       bool            `json:"StdinOnce"`
	Env             json.RawMessage `json:"Env"`
	Cmd             json.RawMessage `json:"Cmd"`
	Healthcheck     json.RawMessage `json:"Healthcheck,omitempty"`
	ArgsEscaped     bool            `json:"ArgsEscaped,omitempty"`
	Image           json.RawMessage `json:"Image"`
	Volumes         json.RawMessage `json:"Volumes"`
	WorkingDir      json.RawMessage `json:"WorkingDir"`
	Entrypoint      json.RawMessage `json:"Entrypoint"`
	NetworkDisabled bool            `json:"NetworkDisabled,omitempty"`
	MacAddress      json.RawMessage `json:"MacAddress,omitempty"`
	OnBuild         json.RawMessage `json:"OnBuild"`
	Labels          json.RawMessage `json:"Labels"`
	StopSignal      json.RawMessage `json:"StopSignal,omitempty"`
	StopTimeout     int             `json:"StopTimeout,omitempty"`
	Shell           json.RawMessage `json:"Shell,omitempty"`
}

var emptyRawString = json.RawMessage(`""`)

// defaultContainerConfig returns the all-defaults container config used
// for every non-final layer, and as the starting point overlaid by the
// image's own config for the final layer. Fields whose Python default is
// "" are primed with an empty JSON string rather than left nil, so that
// an absent source field still serializes as "" rather than null.
func defaultContainerConfig() containerConfig {
	return containerConfig{
		Hostname:   emptyRawString,
		Domainname: emptyRawString,
		User:       emptyRawString,
		Image:      emptyRawString,
		WorkingDir: emptyRawString,
	}
}

// overlayContainerConfig starts from the all-defaults config and, if src
// is non-empty, unmarshals it on top — only fields actually present in
// src are overwritten, matching original_source's selective deepcopy.
func overlayContainerConfig(src json.RawMessage) (containerConfig, error) {
	cc := defaultContainerConfig()
	if len(src) == 0 {
		return cc, nil
	}
	if err := json.Unmarshal(src, &cc); err != nil {
		return containerConfig{}, fmt.Errorf("overlaying container config: %w", err)
	}
	return cc, nil
}

// ephemeralDoc is the per-layer document hashed to produce a synthetic
// layer-ID. Field order and omitempty rules mirror original_source's
// LayerConfig dataclass.
type ephemeralDoc struct {
	Architecture    json.RawMessage  `json:"architecture,omitempty"`
	Comment         json.RawMessage  `json:"comment,omitempty"`
	Config          *containerConfig `json:"config,omitempty"`
	Container       json.RawMessage  `json:"container,omitempty"`
	ContainerConfig *containerConfig `json:"container_config,omitempty"`
	Created         string           `json:"created"`
	DockerVersion   json.RawMessage  `json:"docker_version,omitempty"`
	LayerID         string           `json:"layer_id"`
	Os              json.RawMessage  `json:"os,omitempty"`
	Parent          string           `json:"parent,omitempty"`
	Variant         json.RawMessage  `json:"variant,omitempty"`
}

// onDiskDoc is the per-layer "json" file written into the final archive.
// Field order and omitempty rules mirror original_source's V1Image
// dataclass.
type onDiskDoc struct {
	ID              string           `json:"id,omitempty"`
	Parent          string           `json:"parent,omitempty"`
	Comment         json.RawMessage  `json:"comment,omitempty"`
	Created         string           `json:"created"`
	Container       json.RawMessage  `json:"container,omitempty"`
	ContainerConfig *containerConfig `json:"container_config,omitempty"`
	DockerVersion   json.RawMessage  `json:"docker_version,omitempty"`
	Author          json.RawMessage  `json:"author,omitempty"`
	Config          *containerConfig `json:"config,omitempty"`
	Architecture    json.RawMessage  `json:"architecture,omitempty"`
	Variant         json.RawMessage  `json:"variant,omitempty"`
	Os              string           `json:"os,omitempty"`
	Size            *int64           `json:"size,omitempty"`
}

const epoch = "1970-01-01T00:00:00Z"

// Result holds everything the archive writer needs to lay out a legacy
// image: the chain-ID sequence (informational; already folded into the
// synthetic IDs), the
// synthetic per-layer IDs that name each layer directory, and the exact
// bytes of each layer's on-disk "json" document, all indexed in the same
// base-to-top layer order as the config's rootfs.diff_ids.
type Result struct {
	ChainIDs     []string
	SyntheticIDs []string
	LayerJSON    [][]byte
}

// Compute derives chain-IDs and synthetic layer-IDs from an image config,
// and renders each layer's on-disk json document.
func Compute(cfg *imageconfig.Config) (Result, error) {
	diffIDs := cfg.DiffIDs()
	chainIDs := ChainIDs(diffIDs)
	n := len(chainIDs)

	syntheticIDs := make([]string, n)
	layerJSON := make([][]byte, n)

	parent := ""
	for i := 0; i < n; i++ {
		last := i == n-1

		eph := ephemeralDoc{
			Created:         epoch,
			LayerID:         chainIDs[i],
			Parent:          parent,
			ContainerConfig: ref(defaultContainerConfig()),
		}
		if last {
			layerConfig, err := overlayContainerConfig(cfg.Config)
			if err != nil {
				return Result{}, err
			}
			eph.Config = ref(layerConfig)
			eph.Architecture = cfg.Architecture
			eph.Comment = cfg.Comment
			eph.Container = cfg.Container
			eph.DockerVersion = cfg.DockerVersion
			eph.Variant = cfg.Variant
			if cfg.Os != "" {
				osJSON, err := json.Marshal(cfg.Os)
				if err != nil {
					return Result{}, err
				}
				eph.Os = osJSON
			}
			if cfg.Created != "" {
				eph.Created = cfg.Created
			}
			if len(cfg.ContainerCfg) > 0 {
				overlaid, err := overlayContainerConfig(cfg.ContainerCfg)
				if err != nil {
					return Result{}, err
				}
				eph.ContainerConfig = ref(overlaid)
			}
		}

		hashBytes, err := marshalCompact(eph)
		if err != nil {
			return Result{}, fmt.Errorf("marshaling layer hash document %d: %w", i, err)
		}
		layerDigest := digest.FromBytes(hashBytes)
		syntheticID := layerDigest.String()
		syntheticIDs[i] = syntheticID

		disk := onDiskDoc{
			ID:              layerDigest.Encoded(),
			Parent:          parent,
			Created:         epoch,
			Os:              cfg.Os,
			ContainerConfig: ref(defaultContainerConfig()),
		}
		if last {
			layerConfig, err := overlayContainerConfig(cfg.Config)
			if err != nil {
				return Result{}, err
			}
			disk.Config = ref(layerConfig)
			disk.Architecture = cfg.Architecture
			disk.Comment = cfg.Comment
			disk.Container = cfg.Container
			disk.DockerVersion = cfg.DockerVersion
			disk.Variant = cfg.Variant
			disk.Size = cfg.Size
			if cfg.Created != "" {
				disk.Created = cfg.Created
			}
			if len(cfg.ContainerCfg) > 0 {
				overlaid, err := overlayContainerConfig(cfg.ContainerCfg)
				if err != nil {
					return Result{}, err
				}
				disk.ContainerConfig = ref(overlaid)
			}
		}

		diskBytes, err := marshalCompact(disk)
		if err != nil {
			return Result{}, fmt.Errorf("marshaling layer json document %d: %w", i, err)
		}
		layerJSON[i] = diskBytes

		parent = syntheticID
	}

	return Result{ChainIDs: chainIDs, SyntheticIDs: syntheticIDs, LayerJSON: layerJSON}, nil
}

func ref(cc containerConfig) *containerConfig { return &cc }

// marshalCompact marshals v with HTML escaping disabled and the trailing
// newline json.Encoder appends stripped off, so that string values
// carrying raw bytes (via json.RawMessage fields above) pass through
// without having "<", ">", "&", U+2028 or U+2029 rewritten — which would
// otherwise silently change the bytes fed to SHA-256.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
