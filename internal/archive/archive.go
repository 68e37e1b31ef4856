// Package archive produces and consumes the tar streams that carry file
// trees through a pod exec channel. The encoder maps a local file or
// directory to archive entries named for their destination inside the
// container; the decoder materializes entries locally, refusing anything
// that would land outside the destination root.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// EncodeReason classifies encoder failures.
type EncodeReason string

const (
	EncodeLocalIO          EncodeReason = "LocalIOFailure"
	EncodeUnsupportedEntry EncodeReason = "UnsupportedEntry"
)

// EncodeError reports a failure while producing the archive stream. The
// stream it was writing to is truncated and must not be treated as a
// complete archive.
type EncodeError struct {
	Reason EncodeReason
	Path   string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding %s (%s): %v", e.Path, e.Reason, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeReason classifies decoder failures.
type DecodeReason string

const (
	DecodePathTraversal    DecodeReason = "PathTraversal"
	DecodeTruncated        DecodeReason = "Truncated"
	DecodeLocalIO          DecodeReason = "LocalIOFailure"
	DecodeUnsupportedEntry DecodeReason = "UnsupportedEntry"
)

// DecodeError reports a failure while materializing the archive stream.
// Entries decoded before the failure are left in place.
type DecodeError struct {
	Reason DecodeReason
	Path   string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decoding %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("decoding %s (%s): %v", e.Path, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode writes a tar archive of localPath to w, named so that unpacking
// the archive at the filesystem root places the content at destPath. A
// regular file becomes a single entry; a directory is walked recursively
// in lexical order, so the output is reproducible for identical input.
// Symlinks and other special files are rejected rather than skipped.
func Encode(w io.Writer, localPath, destPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: localPath, Err: err}
	}

	tw := tar.NewWriter(w)
	switch {
	case info.Mode().IsRegular():
		err = encodeFile(tw, localPath, info, entryName(destPath))
	case info.IsDir():
		err = encodeDir(tw, localPath, entryName(destPath))
	default:
		err = &EncodeError{
			Reason: EncodeUnsupportedEntry,
			Path:   localPath,
			Err:    fmt.Errorf("unsupported file mode %s", info.Mode()),
		}
	}
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: localPath, Err: err}
	}
	return nil
}

// EncodeBytes writes a tar archive containing a single regular-file entry
// with the given content, named so that unpacking at the filesystem root
// places it at destPath. Zero-length content yields a zero-length entry.
func EncodeBytes(w io.Writer, data []byte, destPath string) error {
	tw := tar.NewWriter(w)
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     entryName(destPath),
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: destPath, Err: err}
	}
	if _, err := tw.Write(data); err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: destPath, Err: err}
	}
	if err := tw.Close(); err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: destPath, Err: err}
	}
	return nil
}

func encodeFile(tw *tar.Writer, localPath string, info os.FileInfo, name string) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: localPath, Err: err}
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: localPath, Err: err}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: localPath, Err: err}
	}
	defer file.Close()

	if _, err := io.Copy(tw, file); err != nil {
		return &EncodeError{Reason: EncodeLocalIO, Path: localPath, Err: err}
	}
	return nil
}

func encodeDir(tw *tar.Writer, root, prefix string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return &EncodeError{Reason: EncodeLocalIO, Path: p, Err: err}
		}
		klog.V(4).Infof("Tarring: %v", p)

		if !info.Mode().IsRegular() && !info.IsDir() {
			return &EncodeError{
				Reason: EncodeUnsupportedEntry,
				Path:   p,
				Err:    fmt.Errorf("unsupported file mode %s", info.Mode()),
			}
		}

		relativePath, err := filepath.Rel(root, p)
		if err != nil {
			return &EncodeError{Reason: EncodeLocalIO, Path: p, Err: err}
		}
		name := prefix
		if relativePath != "." {
			name = path.Join(prefix, filepath.ToSlash(relativePath))
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return &EncodeError{Reason: EncodeLocalIO, Path: p, Err: err}
		}
		hdr.Name = name

		if err := tw.WriteHeader(hdr); err != nil {
			return &EncodeError{Reason: EncodeLocalIO, Path: p, Err: err}
		}

		if info.Mode().IsRegular() {
			file, err := os.Open(p)
			if err != nil {
				return &EncodeError{Reason: EncodeLocalIO, Path: p, Err: err}
			}
			defer file.Close()
			if _, err := io.Copy(tw, file); err != nil {
				return &EncodeError{Reason: EncodeLocalIO, Path: p, Err: err}
			}
		}

		return nil
	})
}

// Decode reads a tar stream from r and materializes its entries under
// destRoot, in the order the stream delivers them. stripPrefix is the
// leading path component the remote pack command added (the base name of
// the packed directory); it is removed from every entry name. Entries
// that would resolve outside destRoot are rejected, as are entry types
// other than regular files and directories.
func Decode(r io.Reader, destRoot, stripPrefix string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return &DecodeError{Reason: DecodeTruncated, Path: "", Err: err}
			}
			return err
		}

		name := stripName(hdr.Name, stripPrefix)
		target := filepath.Join(destRoot, filepath.FromSlash(name))
		if !withinRoot(destRoot, target) {
			return &DecodeError{Reason: DecodePathTraversal, Path: hdr.Name}
		}
		klog.V(4).Infof("Untarring: %v -> %v", hdr.Name, target)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return &DecodeError{Reason: DecodeLocalIO, Path: hdr.Name, Err: err}
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return &DecodeError{Reason: DecodeLocalIO, Path: hdr.Name, Err: err}
			}
			if err := writeEntry(tr, target, hdr); err != nil {
				return err
			}
		default:
			return &DecodeError{
				Reason: DecodeUnsupportedEntry,
				Path:   hdr.Name,
				Err:    fmt.Errorf("unsupported entry type %q", hdr.Typeflag),
			}
		}
	}
}

func writeEntry(tr *tar.Reader, target string, hdr *tar.Header) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(hdr))
	if err != nil {
		return &DecodeError{Reason: DecodeLocalIO, Path: hdr.Name, Err: err}
	}
	_, copyErr := io.Copy(file, tr)
	closeErr := file.Close()
	if copyErr != nil {
		if errors.Is(copyErr, io.ErrUnexpectedEOF) {
			return &DecodeError{Reason: DecodeTruncated, Path: hdr.Name, Err: copyErr}
		}
		return &DecodeError{Reason: DecodeLocalIO, Path: hdr.Name, Err: copyErr}
	}
	if closeErr != nil {
		return &DecodeError{Reason: DecodeLocalIO, Path: hdr.Name, Err: closeErr}
	}
	return nil
}

// NewFileStream returns a reader over the content of the first
// regular-file entry in the tar stream read from r. The underlying
// stream is not touched until the first Read, so a caller holding an
// unopened exec channel does not block constructing it. Closing the
// returned reader closes r.
func NewFileStream(r io.ReadCloser) io.ReadCloser {
	return &fileStream{tr: tar.NewReader(r), closer: r}
}

type fileStream struct {
	tr      *tar.Reader
	closer  io.Closer
	started bool
}

func (s *fileStream) Read(p []byte) (int, error) {
	if !s.started {
		for {
			hdr, err := s.tr.Next()
			if err == io.EOF {
				return 0, &DecodeError{Reason: DecodeTruncated, Err: fmt.Errorf("archive contains no file entry")}
			}
			if err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					return 0, &DecodeError{Reason: DecodeTruncated, Err: err}
				}
				return 0, err
			}
			if hdr.Typeflag == tar.TypeReg {
				break
			}
		}
		s.started = true
	}
	n, err := s.tr.Read(p)
	if err != nil && err != io.EOF {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, &DecodeError{Reason: DecodeTruncated, Err: err}
		}
	}
	return n, err
}

func (s *fileStream) Close() error { return s.closer.Close() }

// entryName converts an absolute destination path to the archive entry
// name that makes "tar -x -C /" unpack it at that destination.
func entryName(destPath string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(destPath)), "/")
}

func stripName(name, stripPrefix string) string {
	name = path.Clean(strings.TrimPrefix(filepath.ToSlash(name), "./"))
	if stripPrefix == "" {
		return name
	}
	if name == stripPrefix {
		return "."
	}
	if strings.HasPrefix(name, stripPrefix+"/") {
		return name[len(stripPrefix)+1:]
	}
	return name
}

func withinRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func fileMode(hdr *tar.Header) os.FileMode {
	if mode := hdr.FileInfo().Mode().Perm(); mode != 0 {
		return mode
	}
	return 0644
}

func dirMode(hdr *tar.Header) os.FileMode {
	if mode := hdr.FileInfo().Mode().Perm(); mode != 0 {
		return mode
	}
	return 0755
}
