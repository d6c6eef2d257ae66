package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func buildSampleScratch(t *testing.T) (*Scratch, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "repo_tag")
	s, err := NewScratch(root)
	assert.NilError(t, err)

	assert.NilError(t, s.WriteConfig("confighex", []byte(`{"fake":"config"}`)))

	assert.NilError(t, s.PrepareLayerDir("layer1hex", []byte(`{"id":"layer1hex"}`)))
	assert.NilError(t, os.WriteFile(s.LayerTarPath("layer1hex"), []byte("layer one contents"), 0o644))

	assert.NilError(t, s.PrepareLayerDir("layer2hex", []byte(`{"id":"layer2hex","parent":"layer1hex"}`)))
	assert.NilError(t, s.LinkDuplicateLayer("layer2hex", "layer1hex"))

	assert.NilError(t, s.WriteManifestJSON("confighex", []string{"layer1hex/layer.tar", "layer2hex/layer.tar"}, []string{"library/alpine:3.18"}))
	assert.NilError(t, s.WriteRepositories("library/alpine", "3.18", "layer2hex"))

	return s, root
}

func TestWriteTarIsDeterministic(t *testing.T) {
	_, root := buildSampleScratch(t)
	dest1 := root + "-1.tar"
	dest2 := root + "-2.tar"

	assert.NilError(t, WriteTar(root, dest1, 1700000000))
	assert.NilError(t, WriteTar(root, dest2, 1700000000))

	b1, err := os.ReadFile(dest1)
	assert.NilError(t, err)
	b2, err := os.ReadFile(dest2)
	assert.NilError(t, err)
	assert.DeepEqual(t, b1, b2)
}

func TestWriteTarOrderingAndMetadata(t *testing.T) {
	_, root := buildSampleScratch(t)
	dest := root + ".tar"
	assert.NilError(t, WriteTar(root, dest, 1700000000))

	f, err := os.Open(dest)
	assert.NilError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)
	var names []string
	headers := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		assert.NilError(t, err)
		names = append(names, hdr.Name)
		h := *hdr
		headers[hdr.Name] = &h

		assert.Equal(t, hdr.Uid, 0)
		assert.Equal(t, hdr.Gid, 0)
		assert.Equal(t, hdr.Uname, "")
		assert.Equal(t, hdr.Gname, "")
		assert.Equal(t, hdr.Format, tar.FormatUSTAR)
	}

	for i := 1; i < len(names); i++ {
		assert.Assert(t, names[i-1] < names[i], "entries must be in ascending lexicographic order: %q before %q", names[i-1], names[i])
	}

	manifestHdr := headers["manifest.json"]
	assert.Assert(t, manifestHdr != nil)
	assert.Equal(t, manifestHdr.ModTime.Unix(), int64(0))

	reposHdr := headers["repositories"]
	assert.Assert(t, reposHdr != nil)
	assert.Equal(t, reposHdr.ModTime.Unix(), int64(0))

	layerJSONHdr := headers["layer1hex/json"]
	assert.Assert(t, layerJSONHdr != nil)
	assert.Equal(t, layerJSONHdr.ModTime.Unix(), int64(1700000000))

	symlinkHdr := headers["layer2hex/layer.tar"]
	assert.Assert(t, symlinkHdr != nil)
	assert.Equal(t, symlinkHdr.Typeflag, uint8(tar.TypeSymlink))
	assert.Equal(t, symlinkHdr.Linkname, "../layer1hex/layer.tar")
}

func TestWriteTarFinalModeIs0600(t *testing.T) {
	_, root := buildSampleScratch(t)
	dest := root + ".tar"
	assert.NilError(t, WriteTar(root, dest, 1700000000))

	fi, err := os.Stat(dest)
	assert.NilError(t, err)
	assert.Equal(t, fi.Mode().Perm(), os.FileMode(0o600))
}
