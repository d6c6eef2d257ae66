package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestGetRetriesThroughBearerChallenge(t *testing.T) {
	var tokenRequests, manifestRequests int

	var registrySrv *httptest.Server
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		w.Write([]byte(`{"token":"abc123"}`))
	}))
	defer tokenSrv.Close()

	registrySrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manifestRequests++
		if r.Header.Get("Authorization") != "Bearer abc123" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="registry.example.com"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"schemaVersion":2}`))
	}))
	defer registrySrv.Close()

	s := NewSession("registry.example.com", false)
	resp, err := s.Get(context.Background(), "library/alpine", registrySrv.URL+"/v2/library/alpine/manifests/latest", AcceptManifestTypes)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if tokenRequests != 1 {
		t.Errorf("token requests = %d, want 1", tokenRequests)
	}
	if manifestRequests != 2 {
		t.Errorf("manifest requests = %d, want 2 (challenge + authenticated retry)", manifestRequests)
	}

	// Second call should reuse the cached token and skip the 401 round trip.
	resp2, err := s.Get(context.Background(), "library/alpine", registrySrv.URL+"/v2/library/alpine/manifests/latest", AcceptManifestTypes)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if manifestRequests != 3 {
		t.Errorf("manifest requests after cached-token call = %d, want 3", manifestRequests)
	}
	if tokenRequests != 1 {
		t.Errorf("token requests after cached-token call = %d, want still 1", tokenRequests)
	}
}

func TestFetchBlobVerifiesAndDecompresses(t *testing.T) {
	content := []byte("hello layer contents")
	gzipped := gzipBytes(t, content)
	sum := sha256.Sum256(gzipped)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipped)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "layer.tar")

	s := NewSession("registry.example.com", false)
	if err := s.FetchBlob(context.Background(), "library/alpine", srv.URL+"/blob", dest, digest, nil); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("decompressed content = %q, want %q", got, content)
	}
	if _, err := os.Stat(dest + ".gz"); !os.IsNotExist(err) {
		t.Error("temp .gz file should be removed after successful extraction")
	}
}

func TestFetchBlobRejectsDigestMismatch(t *testing.T) {
	content := []byte("hello layer contents")
	gzipped := gzipBytes(t, content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipped)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "layer.tar")

	s := NewSession("registry.example.com", false)
	err := s.FetchBlob(context.Background(), "library/alpine", srv.URL+"/blob", dest, "sha256:"+hex.EncodeToString(make([]byte, 32)), nil)
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
	if _, ok := err.(*DigestMismatch); !ok {
		t.Errorf("expected *DigestMismatch, got %T: %v", err, err)
	}
}
