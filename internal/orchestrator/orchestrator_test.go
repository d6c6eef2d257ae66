package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ocipull/ocipull/internal/reference"
)

func gzipOf(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write(data)
	gz.Close()
	return buf.Bytes()
}

func sha256Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestPullSingleManifestProducesArchive(t *testing.T) {
	configBytes := []byte(`{"architecture":"amd64","os":"linux","created":"2024-01-01T00:00:00Z","rootfs":{"type":"layers","diff_ids":["sha256:diffid"]},"config":{"Env":["A=1"]}}`)
	configDigest := sha256Digest(configBytes)

	layerContent := []byte("layer contents")
	layerGzip := gzipOf(t, layerContent)
	layerDigest := sha256Digest(layerGzip)

	manifestDoc, _ := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.docker.distribution.manifest.v2+json",
		"config": map[string]any{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"digest":    configDigest,
			"size":      len(configBytes),
		},
		"layers": []map[string]any{
			{
				"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
				"digest":    layerDigest,
				"size":      len(layerGzip),
			},
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/sample/manifests/1.0", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Write(manifestDoc)
	})
	mux.HandleFunc("/v2/library/sample/blobs/"+configDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(configBytes)
	})
	mux.HandleFunc("/v2/library/sample/blobs/"+layerDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(layerGzip)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	outputDir := t.TempDir()

	p := New(Options{OutputDir: outputDir, TLS: false}, nil, nil)
	paths, err := p.Pull(context.Background(), host+"/library/sample:1.0")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 archive, got %d", len(paths))
	}

	fi, err := os.Stat(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("archive mode = %o, want 0600", fi.Mode().Perm())
	}

	f, err := os.Open(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	var sawManifest, sawRepositories, sawConfigJSON bool
	var layerTarContent []byte
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		switch {
		case hdr.Name == "manifest.json":
			sawManifest = true
			var entries []struct {
				Config   string
				RepoTags []string
				Layers   []string
			}
			data := make([]byte, hdr.Size)
			tr.Read(data)
			if err := json.Unmarshal(data, &entries); err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 || len(entries[0].RepoTags) != 1 || entries[0].RepoTags[0] != "library/sample:1.0" {
				t.Errorf("manifest.json entries = %+v", entries)
			}
		case hdr.Name == "repositories":
			sawRepositories = true
		case strings.HasSuffix(hdr.Name, ".json") && !strings.Contains(hdr.Name, "/"):
			sawConfigJSON = true
		case strings.HasSuffix(hdr.Name, "/layer.tar"):
			buf := make([]byte, hdr.Size)
			tr.Read(buf)
			layerTarContent = buf
		}
	}
	if !sawManifest {
		t.Error("archive missing manifest.json")
	}
	if !sawRepositories {
		t.Error("archive missing repositories (expected for a tag pull)")
	}
	if !sawConfigJSON {
		t.Error("archive missing top-level config json")
	}
	if string(layerTarContent) != string(layerContent) {
		t.Errorf("layer.tar content = %q, want %q", layerTarContent, layerContent)
	}

	// scratch directory must be cleaned up (SaveCache defaults to false).
	entries, _ := os.ReadDir(outputDir)
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("scratch directory %q was not removed", e.Name())
		}
	}
}

func TestScratchDirNameSuffix(t *testing.T) {
	ref := mustParseRef(t, "ghcr.io/user/repo:v1")
	if got, want := scratchDirName(ref, "", ""), "user_repo_v1"; got != want {
		t.Errorf("scratchDirName = %q, want %q", got, want)
	}
	if got, want := scratchDirName(ref, "linux", "arm64"), "user_repo_v1_linux_arm64"; got != want {
		t.Errorf("scratchDirName with platform = %q, want %q", got, want)
	}
}

func mustParseRef(t *testing.T, s string) reference.Reference {
	t.Helper()
	r, err := reference.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestScratchDirNameDigestSanitized(t *testing.T) {
	ref := mustParseRef(t, "ghcr.io/user/repo@sha256:abcdef")
	want := "user_repo_sha256_abcdef"
	if got := scratchDirName(ref, "", ""); got != want {
		t.Errorf("scratchDirName = %q, want %q", got, want)
	}
}
