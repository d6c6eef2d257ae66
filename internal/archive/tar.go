package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// ArchiveError wraps any failure encountered while assembling the final
// tar, per spec.md §7's error taxonomy.
type ArchiveError struct {
	Op  string
	Err error
}

func (e *ArchiveError) Error() string { return fmt.Sprintf("archive: %s: %v", e.Op, e.Err) }
func (e *ArchiveError) Unwrap() error  { return e.Err }

// entriesMTimeZero are written with mtime 0 regardless of the image's own
// created timestamp (spec.md §4.E).
var entriesMTimeZero = map[string]bool{
	legacyManifestFileName:     true,
	legacyRepositoriesFileName: true,
}

// WriteTar packs scratchRoot into a POSIX USTAR archive at destPath,
// following spec.md §4.E's byte-for-byte compatibility invariants:
// ascending lexicographic entry order, uid/gid 0, mtime rules keyed on
// entry name, mode masked to the low 12 bits, and symlinks recorded
// without dereferencing. destPath is written atomically and left at mode
// 0600.
//
// Go's archive/tar, given Format: tar.FormatUSTAR, already computes the
// header checksum the way spec.md §4.E describes (sum the 512-byte header
// with the checksum field blanked to spaces, then format as 6 octal
// digits, NUL, space) — there is no need to hand-roll header byte-packing
// the way a from-scratch implementation would.
func WriteTar(scratchRoot, destPath string, created int64) error {
	names, err := collectEntries(scratchRoot)
	if err != nil {
		return &ArchiveError{Op: "walking scratch directory", Err: err}
	}
	sort.Strings(names)

	out, err := atomicwriter.New(destPath, 0o600)
	if err != nil {
		return &ArchiveError{Op: "opening destination", Err: err}
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	for _, name := range names {
		if err := writeEntry(tw, scratchRoot, name, created); err != nil {
			return &ArchiveError{Op: fmt.Sprintf("writing entry %q", name), Err: err}
		}
	}
	if err := tw.Close(); err != nil {
		return &ArchiveError{Op: "closing tar writer", Err: err}
	}
	if err := out.Close(); err != nil {
		return &ArchiveError{Op: "finalizing archive", Err: err}
	}
	return nil
}

// collectEntries returns every path under root, relative to root, using
// "/" separators regardless of host OS.
func collectEntries(root string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	return names, err
}

func writeEntry(tw *tar.Writer, root, name string, created int64) error {
	fullPath := filepath.Join(root, filepath.FromSlash(name))
	fi, err := os.Lstat(fullPath)
	if err != nil {
		return err
	}

	var linkTarget string
	if fi.Mode()&os.ModeSymlink != 0 {
		linkTarget, err = os.Readlink(fullPath)
		if err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(fi, linkTarget)
	if err != nil {
		return err
	}
	hdr.Format = tar.FormatUSTAR

	entryName := name
	if fi.IsDir() {
		entryName += "/"
	}
	hdr.Name = entryName

	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.Mode &= 0o7777

	if entriesMTimeZero[name] {
		hdr.ModTime = time.Unix(0, 0)
	} else {
		hdr.ModTime = time.Unix(created, 0)
	}
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	if fi.Mode()&os.ModeSymlink != 0 {
		hdr.Size = 0
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if fi.Mode().IsRegular() {
		f, err := os.Open(fullPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}

	return nil
}
