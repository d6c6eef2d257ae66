// Package orchestrator drives the end-to-end pull for one image reference:
// fetch its manifest, dispatch on media type and platform, fetch its
// config and layers, and hand the assembled scratch tree to the archive
// writer. This is spec.md §4.D, component D.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
	ocidigest "github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ocipull/ocipull/internal/archive"
	"github.com/ocipull/ocipull/internal/chainid"
	"github.com/ocipull/ocipull/internal/imageconfig"
	"github.com/ocipull/ocipull/internal/manifest"
	"github.com/ocipull/ocipull/internal/reference"
	"github.com/ocipull/ocipull/internal/registry"
)

// IOError wraps a local filesystem failure, per spec.md §7.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("io: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error  { return e.Err }

// tracer emits one span per reference pull and one child span per layer
// blob fetch; with no OTLP endpoint configured (internal/telemetry.Setup) these
// are cheap no-ops against otel's default TracerProvider.
var tracer = otel.Tracer("github.com/ocipull/ocipull/internal/orchestrator")

// Credentials is the basic-auth pair a caller may pin to a specific
// registry host, matching spec.md §6's --registry/--user/--password.
type Credentials struct {
	Host     string
	Username string
	Password string
}

// Options configures a Puller.
type Options struct {
	OutputDir  string
	SaveCache  bool
	Platform   string // "os/arch", "" for neither
	TLS        bool   // true unless pulling from a plaintext test registry
	Credential Credentials
}

// Puller pulls one or more references, reusing one registry.Session per
// host across calls (spec.md §5: "registry session cache ... per-process
// mapping of host -> session ... an explicit collaborator").
type Puller struct {
	opts     Options
	progress registry.Progress
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*registry.Session
}

// New builds a Puller. progress may be nil (NoopProgress is used).
func New(opts Options, logger *slog.Logger, progress registry.Progress) *Puller {
	if logger == nil {
		logger = slog.Default()
	}
	if progress == nil {
		progress = registry.NoopProgress{}
	}
	return &Puller{
		opts:     opts,
		progress: progress,
		logger:   logger,
		sessions: map[string]*registry.Session{},
	}
}

func (p *Puller) sessionFor(host string) *registry.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[host]; ok {
		return s
	}
	s := registry.NewSession(host, p.opts.TLS)
	if p.opts.Credential.Host == host && p.opts.Credential.Username != "" {
		s.WithBasicAuth(p.opts.Credential.Username, p.opts.Credential.Password)
	} else {
		s.WithDockerConfigCredentials()
	}
	p.sessions[host] = s
	return s
}

// platformAxes splits "os/arch" into its two components; either may be
// empty. An empty input yields two empty strings (neither axis given).
func platformAxes(platform string) (os, arch string) {
	if platform == "" {
		return "", ""
	}
	osName, archName, ok := strings.Cut(platform, "/")
	if !ok {
		return platform, ""
	}
	return osName, archName
}

// Pull fetches refString and writes one (or, for an unfiltered or
// ambiguously-filtered multi-arch list, more than one) archive, returning
// the paths written.
func (p *Puller) Pull(ctx context.Context, refString string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "pull", trace.WithAttributes(attribute.String("reference", refString)))
	defer span.End()

	ref, err := reference.Parse(refString)
	if err != nil {
		return nil, err
	}

	raw, contentType, err := p.fetchManifestBytes(ctx, ref)
	if err != nil {
		return nil, err
	}

	if ref.IsDigestRef() {
		// spec.md §4.D step 3: an explicit digest is treated as a single
		// manifest regardless of the document's own declared kind.
		m, err := parseAsSingleManifest(raw)
		if err != nil {
			return nil, err
		}
		path, err := p.pullManifest(ctx, ref, m, "", "")
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	m, idx, err := manifest.Parse(raw, contentType)
	if err != nil {
		return nil, err
	}
	if m != nil {
		path, err := p.pullManifest(ctx, ref, m, "", "")
		if err != nil {
			return nil, err
		}
		return []string{path}, nil
	}

	osName, archName := platformAxes(p.opts.Platform)
	matches, ambiguous := manifest.SelectPlatforms(idx.Manifests, osName, archName)
	if ambiguous {
		p.logger.Warn("platform filter matched more than one manifest; only one axis was given",
			"platform", p.opts.Platform, "matches", len(matches))
	}

	var paths []string
	for _, entry := range matches {
		childRef := ref.WithChildDigest(entry.Digest.String())
		childRaw, _, err := p.fetchManifestBytesAt(ctx, ref, childRef.ManifestURL(p.opts.TLS))
		if err != nil {
			return paths, err
		}
		cm, err := parseAsSingleManifest(childRaw)
		if err != nil {
			return paths, err
		}
		var platOS, platArch string
		if entry.Platform != nil {
			platOS, platArch = entry.Platform.OS, entry.Platform.Architecture
		}
		path, err := p.pullManifest(ctx, ref, cm, platOS, platArch)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func parseAsSingleManifest(raw []byte) (*specs.Manifest, error) {
	m, _, err := manifest.Parse(raw, manifest.MediaTypeOCIManifest)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("expected a single manifest, got a manifest list/index")
	}
	return m, nil
}

func (p *Puller) fetchManifestBytes(ctx context.Context, ref reference.Reference) ([]byte, string, error) {
	return p.fetchManifestBytesAt(ctx, ref, ref.ManifestURL(p.opts.TLS))
}

func (p *Puller) fetchManifestBytesAt(ctx context.Context, ref reference.Reference, url string) ([]byte, string, error) {
	session := p.sessionFor(ref.Host)
	resp, err := session.Get(ctx, ref.Repository, url, manifest.AcceptHeaders)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &registry.HTTPError{URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &IOError{Op: "reading manifest body", Err: err}
	}
	return raw, resp.Header.Get("Content-Type"), nil
}

// pullManifest executes spec.md §4.D steps 5-12 for one resolved,
// single-image manifest.
func (p *Puller) pullManifest(ctx context.Context, ref reference.Reference, m *specs.Manifest, platformOS, platformArch string) (string, error) {
	session := p.sessionFor(ref.Host)

	configRaw, _, err := p.fetchManifestBytesAt(ctx, ref, ref.BlobURL(p.opts.TLS, m.Config.Digest.String()))
	if err != nil {
		return "", err
	}
	cfg, err := imageconfig.Parse(configRaw)
	if err != nil {
		return "", err
	}

	layerIDs, err := chainid.Compute(cfg)
	if err != nil {
		return "", err
	}

	configHex := m.Config.Digest.Encoded()
	scratchName := scratchDirName(ref, platformOS, platformArch)
	scratchRoot := filepath.Join(p.opts.OutputDir, scratchName)

	scratch, err := archive.NewScratch(scratchRoot)
	if err != nil {
		return "", &IOError{Op: "creating scratch directory", Err: err}
	}
	if err := scratch.WriteConfig(configHex, cfg.Raw()); err != nil {
		return "", &IOError{Op: "writing config blob", Err: err}
	}

	var layerTarPaths []string
	previousDigest := ""
	previousHex := ""
	for i, layerDesc := range m.Layers {
		layerBlobDigest := layerDesc.Digest.String()
		layerHex := ocidigest.Digest(layerIDs.SyntheticIDs[i]).Encoded()

		if err := scratch.PrepareLayerDir(layerHex, layerIDs.LayerJSON[i]); err != nil {
			return "", &IOError{Op: "preparing layer directory", Err: err}
		}

		if layerBlobDigest == previousDigest {
			if err := scratch.LinkDuplicateLayer(layerHex, previousHex); err != nil {
				return "", &IOError{Op: "linking duplicate layer", Err: err}
			}
		} else {
			blobURL := ref.BlobURL(p.opts.TLS, layerBlobDigest)
			dest := scratch.LayerTarPath(layerHex)
			if err := p.fetchLayerBlob(ctx, session, ref.Repository, blobURL, dest, layerBlobDigest); err != nil {
				return "", err
			}
		}

		layerTarPaths = append(layerTarPaths, layerHex+"/layer.tar")
		previousDigest = layerBlobDigest
		previousHex = layerHex
	}

	var repoTags []string
	if !ref.IsDigestRef() {
		repoTags = []string{ref.RepoTag()}
	}
	if err := scratch.WriteManifestJSON(configHex, layerTarPaths, repoTags); err != nil {
		return "", &IOError{Op: "writing manifest.json", Err: err}
	}

	finalHex := ocidigest.Digest(layerIDs.SyntheticIDs[len(layerIDs.SyntheticIDs)-1]).Encoded()
	if !ref.IsDigestRef() {
		if err := scratch.WriteRepositories(ref.Repository, ref.Tag, finalHex); err != nil {
			return "", &IOError{Op: "writing repositories", Err: err}
		}
	}

	created := parseCreatedUnix(cfg.Created)
	archivePath := scratchRoot + ".tar"
	if err := archive.WriteTar(scratchRoot, archivePath, created); err != nil {
		return "", err
	}

	if !p.opts.SaveCache {
		if err := scratch.Remove(); err != nil {
			p.logger.Warn("failed to remove scratch directory", "path", scratchRoot, "error", err)
		}
	}

	return archivePath, nil
}

func (p *Puller) fetchLayerBlob(ctx context.Context, session *registry.Session, repository, blobURL, dest, digest string) error {
	ctx, span := tracer.Start(ctx, "fetch-layer", trace.WithAttributes(attribute.String("digest", digest)))
	defer span.End()
	return session.FetchBlob(ctx, repository, blobURL, dest, digest, p.progress)
}

// scratchDirName renders "<repo-with-slashes-to-underscores>_<tag-or-
// digest-sanitized>[_<os>_<arch>]" per spec.md §4.D step 7.
func scratchDirName(ref reference.Reference, platformOS, platformArch string) string {
	name := strings.ReplaceAll(ref.Repository, "/", "_")
	name += "_" + sanitize(ref.TagOrDigest())
	if platformOS != "" || platformArch != "" {
		name += "_" + sanitize(platformOS) + "_" + sanitize(platformArch)
	}
	return name
}

func sanitize(s string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(s)
}

func parseCreatedUnix(created string) int64 {
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		t, err = time.Parse(time.RFC3339, created)
		if err != nil {
			return 0
		}
	}
	return t.Unix()
}
