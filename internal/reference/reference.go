// Package reference parses Docker/OCI image reference strings
// ("[registry/]repo[:tag|@digest]") into their components and synthesizes
// the canonical v2 registry URLs derived from them.
package reference

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// DefaultHost is substituted when a reference carries no registry host.
const DefaultHost = "registry-1.docker.io"

// DefaultTag is used when a reference carries neither a tag nor a digest.
const DefaultTag = "latest"

// libraryPrefix is prepended to single-segment repositories resolved
// against the default host, mirroring Docker Hub's "official image"
// familiarization rule.
const libraryPrefix = "library/"

// Reference is a parsed image reference. Exactly one of Tag or Digest is
// set; Digest always takes precedence over Tag when both are present in
// the source string.
type Reference struct {
	Host       string
	Repository string
	Tag        string
	Digest     string

	// ConfigDigest holds the image config blob's digest. It is not
	// produced by Parse, and the orchestrator does not fill it in.
	ConfigDigest string
}

// Parse splits a reference string into host, repository, and tag-or-digest
// following spec.md §4.A:
//
//  1. the first "/" splits off a host prefix if that prefix contains "."
//     or ":"; otherwise the host defaults to DefaultHost.
//  2. an "@" splits off a manifest digest, which supersedes any tag.
//  3. failing that, a ":" splits off a tag.
//  4. failing that, the tag defaults to "latest".
//  5. a default-host repository with no "/" is prefixed with "library/".
func Parse(s string) (Reference, error) {
	ref := s

	host := DefaultHost
	if i := strings.IndexByte(ref, '/'); i >= 0 {
		prefix := ref[:i]
		if strings.ContainsAny(prefix, ".:") {
			host = prefix
			ref = ref[i+1:]
		}
	}

	var digest, tag string
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		digest = ref[i+1:]
		ref = ref[:i]
		if j := strings.IndexByte(ref, ':'); j >= 0 {
			ref = ref[:j]
		}
	} else if i := strings.IndexByte(ref, ':'); i >= 0 {
		tag = ref[i+1:]
		ref = ref[:i]
	} else {
		tag = DefaultTag
	}

	repository := ref
	if host == DefaultHost && !strings.Contains(repository, "/") {
		repository = libraryPrefix + repository
	}

	if repository == "" {
		return Reference{}, &BadReferenceError{Input: s, Reason: "empty repository"}
	}
	if !reference.NameRegexp.MatchString(repository) {
		return Reference{}, &BadReferenceError{Input: s, Reason: fmt.Sprintf("invalid repository path %q", repository)}
	}

	return Reference{
		Host:       host,
		Repository: repository,
		Tag:        tag,
		Digest:     digest,
	}, nil
}

// BadReferenceError reports a malformed image reference string.
type BadReferenceError struct {
	Input  string
	Reason string
}

func (e *BadReferenceError) Error() string {
	return fmt.Sprintf("bad reference %q: %s", e.Input, e.Reason)
}

// TagOrDigest returns the digest if present, else the tag.
func (r Reference) TagOrDigest() string {
	if r.Digest != "" {
		return r.Digest
	}
	return r.Tag
}

// IsDigestRef reports whether the reference was resolved by digest rather
// than by tag.
func (r Reference) IsDigestRef() bool {
	return r.Digest != ""
}

// String renders the reference back into "[host/]repo[:tag|@digest]" form.
// Parsing String(r) again yields an equal Reference (modulo ConfigDigest),
// satisfying the canonicalization-idempotence property in spec.md §8.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Host)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	} else {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	return b.String()
}

// Scheme returns "https" or "http" depending on tlsEnabled.
func Scheme(tlsEnabled bool) string {
	if tlsEnabled {
		return "https"
	}
	return "http"
}

// ManifestURL returns the canonical manifest URL for this reference.
func (r Reference) ManifestURL(tlsEnabled bool) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", Scheme(tlsEnabled), r.Host, r.Repository, r.TagOrDigest())
}

// BlobURL returns the canonical blob URL for the given digest under this
// reference's repository.
func (r Reference) BlobURL(tlsEnabled bool, digest string) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", Scheme(tlsEnabled), r.Host, r.Repository, digest)
}

// RepoTag renders "repository:tag", the form written into manifest.json's
// RepoTags and the legacy repositories file. It is only meaningful for
// tag-style references.
func (r Reference) RepoTag() string {
	return r.Repository + ":" + r.Tag
}

// WithChildDigest returns a copy of r resolved to a specific child manifest
// digest, as produced when dispatching a manifest list/index to one
// platform-specific manifest (spec.md §4.D step 4).
func (r Reference) WithChildDigest(digest string) Reference {
	c := r
	c.Tag = ""
	c.Digest = digest
	return c
}
