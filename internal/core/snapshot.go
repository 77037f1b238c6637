package core

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// SnapshotStats summarizes a captured folder.
type SnapshotStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// CaptureFolder writes the contents of src to w as a zstd-compressed tar.
//
// Regular files, directories and symlinks are captured with their modes.
// Entries are written in lexical order so identical folders produce
// identical archives apart from modification times. Any other file type
// (sockets, devices) is an error.
func CaptureFolder(src string, w io.Writer) (SnapshotStats, error) {
	var stats SnapshotStats

	info, err := os.Stat(src)
	if err != nil {
		return stats, fmt.Errorf("stat folder: %w", err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("%s is not a directory", src)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return stats, fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	walkErr := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if fi.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		} else if !fi.Mode().IsRegular() && !fi.IsDir() {
			return fmt.Errorf("unsupported file type %s at %s", fi.Mode().Type(), rel)
		}

		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		// Owner names depend on the host; keep the archive portable.
		hdr.Uname, hdr.Gname = "", ""
		hdr.Uid, hdr.Gid = 0, 0

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		n, err := io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	if walkErr != nil {
		_ = tw.Close()
		_ = enc.Close()
		return stats, fmt.Errorf("capturing %s: %w", src, walkErr)
	}

	if err := tw.Close(); err != nil {
		_ = enc.Close()
		return stats, fmt.Errorf("closing tar stream: %w", err)
	}
	if err := enc.Close(); err != nil {
		return stats, fmt.Errorf("closing zstd stream: %w", err)
	}
	return stats, nil
}

// errCorruptSnapshot marks archive-level problems, as opposed to destination
// I/O failures.
var errCorruptSnapshot = errors.New("corrupt snapshot")

// RestoreFolder replaces the contents of dest with the snapshot read from r.
//
// dest is removed first so that files left over from an earlier population
// cannot survive a restore. Entries that would escape dest are rejected.
func RestoreFolder(r io.Reader, dest string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %v", errCorruptSnapshot, err)
	}
	defer dec.Close()

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clearing %s: %w", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	type dirMode struct {
		path string
		mode fs.FileMode
	}
	var dirs []dirMode

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errCorruptSnapshot, err)
		}

		target, err := restoreTarget(dest, hdr.Name)
		if err != nil {
			return err
		}
		mode := hdr.FileInfo().Mode()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, dirMode{path: target, mode: mode.Perm()})
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeRestoredFile(target, tr, mode.Perm()); err != nil {
				return err
			}
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported entry type %q for %s", errCorruptSnapshot, hdr.Typeflag, hdr.Name)
		}
	}

	// Deepest first, so read-only parents do not block chmod of children.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].path) > len(dirs[j].path) })
	for _, d := range dirs {
		if err := os.Chmod(d.path, d.mode); err != nil {
			return err
		}
	}
	return nil
}

// restoreTarget maps an archive entry name to its path under dest. Names
// that leave dest, or that resolve through a symlink already restored, are
// rejected.
func restoreTarget(dest, name string) (string, error) {
	clean := path.Clean(strings.TrimSuffix(name, "/"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: entry %q escapes destination", errCorruptSnapshot, name)
	}

	cur := dest
	for _, part := range strings.Split(clean, "/") {
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: entry %q resolves through symlink %s", errCorruptSnapshot, name, cur)
		}
	}
	return filepath.Join(dest, filepath.FromSlash(clean)), nil
}

func writeRestoredFile(target string, r io.Reader, perm fs.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated entry %s", errCorruptSnapshot, target)
		}
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	// OpenFile is subject to umask.
	return os.Chmod(target, perm)
}
