// Package manifest parses OCI/Docker manifests and manifest lists, and
// implements the platform-selection rule used to pick a child manifest
// out of a multi-arch list.
package manifest

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// The four manifest media types a pull advertises via Accept. Schema
// version 1 is never offered: a registry that only understands it should
// fail loudly (UnsupportedSchema) rather than have ocipull silently
// produce a malformed archive.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex           = "application/vnd.oci.image.index.v1+json"
)

// AcceptHeaders is the Accept header value set a pull should advertise,
// most specific manifest-list type first per spec.md §4.D step 1.
var AcceptHeaders = []string{
	MediaTypeDockerManifestList,
	MediaTypeOCIIndex,
	MediaTypeDockerManifest,
	MediaTypeOCIManifest,
}

// UnsupportedSchema reports a manifest with schemaVersion != 2.
type UnsupportedSchema struct {
	SchemaVersion int
}

func (e *UnsupportedSchema) Error() string {
	return fmt.Sprintf("unsupported manifest schemaVersion %d", e.SchemaVersion)
}

type schemaPeek struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType"`
}

func isIndexMediaType(mediaType string) bool {
	return mediaType == MediaTypeDockerManifestList || mediaType == MediaTypeOCIIndex
}

// Parse decodes raw manifest bytes into either a single-image Manifest or
// an Index (manifest list / image index), dispatching on the document's
// own mediaType field per spec.md's "Polymorphism" design note — a tagged
// variant, not subclass dispatch. contentType is the response's
// Content-Type header, used as a fallback when a registry omits the
// in-body mediaType field (some older registries do).
//
// Exactly one of the two return values is non-nil on success.
func Parse(raw []byte, contentType string) (manifest *specs.Manifest, index *specs.Index, err error) {
	var peek schemaPeek
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if peek.SchemaVersion != 2 {
		return nil, nil, &UnsupportedSchema{SchemaVersion: peek.SchemaVersion}
	}

	mediaType := peek.MediaType
	if mediaType == "" {
		mediaType = contentType
	}

	if isIndexMediaType(mediaType) {
		var idx specs.Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, nil, fmt.Errorf("parsing manifest index: %w", err)
		}
		return nil, &idx, nil
	}

	var m specs.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil, nil
}

// SelectPlatforms implements spec.md §4.D's platform-selection rule over a
// manifest list/index's entries:
//
//   - both os and arch given: the first entry matching both exactly, and
//     only that one (list order preserved, first match wins);
//   - exactly one of os/arch given: every entry whose os matches OR whose
//     architecture matches — a deliberately preserved bug-for-bug quirk
//     (spec.md §9 Open Questions) that can pull in unrelated platforms;
//     ambiguous is true when this yields more than one match, a signal
//     callers should warn about;
//   - neither given: every entry, unfiltered.
//
// No match is not an error: it simply yields zero entries.
func SelectPlatforms(entries []specs.Descriptor, osName, arch string) (matches []specs.Descriptor, ambiguous bool) {
	switch {
	case osName != "" && arch != "":
		for _, e := range entries {
			if e.Platform != nil && e.Platform.OS == osName && e.Platform.Architecture == arch {
				return []specs.Descriptor{e}, false
			}
		}
		return nil, false

	case osName != "" || arch != "":
		for _, e := range entries {
			if e.Platform == nil {
				continue
			}
			if (osName != "" && e.Platform.OS == osName) || (arch != "" && e.Platform.Architecture == arch) {
				matches = append(matches, e)
			}
		}
		return matches, len(matches) > 1

	default:
		return entries, false
	}
}
