package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	utilexec "k8s.io/client-go/util/exec"
	"k8s.io/klog/v2"

	"github.com/substratusai/podcp/internal/archive"
)

// Remote side of every transfer. Unpacking extracts at the filesystem
// root with entry names carrying the full destination path; -m drops
// archive mtimes so the container clock wins.
const remoteUnpackScript = "tar -xmf - -C /"

func unpackCommand() []string {
	return []string{"sh", "-c", remoteUnpackScript}
}

func packCommand(remotePath string) []string {
	return []string{"sh", "-c", fmt.Sprintf("tar -cf - -C %s %s", path.Dir(remotePath), path.Base(remotePath))}
}

func probeCommand() []string {
	return []string{"sh", "-c", "tar --version"}
}

// stderrLimit bounds how much remote stderr a session retains for
// diagnostics.
const stderrLimit = 32 << 10

// limitBuffer keeps the first stderrLimit bytes written and drops the
// rest, so a chatty remote process cannot grow memory without bound.
type limitBuffer struct {
	buf bytes.Buffer
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	if remaining := stderrLimit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitBuffer) String() string { return b.buf.String() }

type sessionState string

const (
	stateIdle           sessionState = "Idle"
	stateChannelOpening sessionState = "ChannelOpening"
	stateStreaming      sessionState = "Streaming"
	stateDraining       sessionState = "Draining"
	stateClosed         sessionState = "Closed"
	stateFailed         sessionState = "Failed"
)

// copySession tracks one transfer from channel open to terminal state.
// Sessions are owned by a single copy call and never shared.
type copySession struct {
	ref     PodRef
	command []string
	stderr  limitBuffer
	state   sessionState
}

func newSession(ref PodRef, command []string) *copySession {
	return &copySession{ref: ref, command: command, state: stateIdle}
}

func (s *copySession) to(next sessionState) {
	klog.V(3).Infof("Copy session %s: %s -> %s", s.ref, s.state, next)
	s.state = next
}

// finish moves the session to its terminal state and maps the stream
// error to the caller-visible one. A remote non-zero exit becomes a
// CopyError carrying the captured stderr. Terminal states are sticky:
// once closed or failed a session never transitions again.
func (s *copySession) finish(err error) error {
	if s.state == stateClosed || s.state == stateFailed {
		return err
	}
	if err == nil {
		s.to(stateClosed)
		return nil
	}
	s.to(stateFailed)
	var exitErr utilexec.CodeExitError
	if errors.As(err, &exitErr) {
		return &CopyError{ExitCode: exitErr.Code, Stderr: s.stderr.String(), Err: err}
	}
	return err
}

// CopyFileToPod copies a single local file into the pod at remotePath.
func (c *Client) CopyFileToPod(ctx context.Context, ref PodRef, localFile, remotePath string) error {
	info, err := os.Stat(localFile)
	if err != nil {
		return fmt.Errorf("source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source is not a regular file: %s", localFile)
	}
	return c.copyToPod(ctx, ref, remotePath, func(w io.Writer) error {
		return archive.Encode(w, localFile, remotePath)
	})
}

// CopyBytesToPod writes data as a file inside the pod at remotePath.
// Zero-length data creates an empty file.
func (c *Client) CopyBytesToPod(ctx context.Context, ref PodRef, data []byte, remotePath string) error {
	return c.copyToPod(ctx, ref, remotePath, func(w io.Writer) error {
		return archive.EncodeBytes(w, data, remotePath)
	})
}

// CopyDirectoryToPod copies a local directory tree into the pod rooted
// at remotePath. The remote tar implementation is probed first; an
// incompatible tar fails with ErrCopyNotSupported before any data is
// streamed.
func (c *Client) CopyDirectoryToPod(ctx context.Context, ref PodRef, localDir, remotePath string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", localDir)
	}
	if err := validateRef(ref); err != nil {
		return err
	}
	if !c.probeRemoteTar(ctx, ref) {
		return fmt.Errorf("pod %s: %w", ref, ErrCopyNotSupported)
	}
	return c.copyToPod(ctx, ref, remotePath, func(w io.Writer) error {
		return archive.Encode(w, localDir, remotePath)
	})
}

// copyToPod runs one upload session: encoder output is piped into the
// stdin of the remote unpack command while stdout and stderr are drained
// concurrently by the stream pumps.
func (c *Client) copyToPod(ctx context.Context, ref PodRef, remotePath string, encode func(io.Writer) error) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if !path.IsAbs(remotePath) {
		return fmt.Errorf("remote path must be absolute: %s", remotePath)
	}

	s := newSession(ref, unpackCommand())

	pr, pw := io.Pipe()
	encodeDone := make(chan error, 1)
	go func() {
		err := encode(pw)
		pw.CloseWithError(err)
		encodeDone <- err
	}()

	streams := execStreams{stdin: pr, stdout: io.Discard, stderr: &s.stderr}

	s.to(stateChannelOpening)
	exec, err := c.openExec(ref, s.command, streams)
	if err != nil {
		pr.CloseWithError(err)
		<-encodeDone
		return s.finish(err)
	}

	s.to(stateStreaming)
	streamErr := runStream(ctx, exec, streams)
	s.to(stateDraining)

	if streamErr == nil {
		// The remote process exited cleanly; it may have stopped reading
		// after the archive end marker, so unblock the encoder before
		// collecting its verdict.
		pr.Close()
		if encErr := <-encodeDone; encErr != nil && !errors.Is(encErr, io.ErrClosedPipe) {
			return s.finish(encErr)
		}
		return s.finish(nil)
	}

	// A partial upload is a failed session. If the encoder already failed,
	// its error is the root cause; the stream error is the consequence.
	var encErr error
	select {
	case encErr = <-encodeDone:
	default:
	}
	pr.CloseWithError(streamErr)
	if encErr != nil && !errors.Is(encErr, io.ErrClosedPipe) {
		return s.finish(encErr)
	}
	return s.finish(streamErr)
}

// CopyFileFromPod streams a single file out of the pod. The returned
// reader yields the file content as it arrives; the exec channel is
// opened lazily on the first read, and any channel or remote failure
// surfaces through the reader. Closing the reader tears the session
// down.
func (c *Client) CopyFileFromPod(ctx context.Context, ref PodRef, remotePath string) (io.ReadCloser, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	if !path.IsAbs(remotePath) {
		return nil, fmt.Errorf("remote path must be absolute: %s", remotePath)
	}

	s := newSession(ref, packCommand(remotePath))

	pr, pw := io.Pipe()
	go func() {
		s.to(stateChannelOpening)
		streams := execStreams{stdout: pw, stderr: &s.stderr}
		exec, err := c.openExec(ref, s.command, streams)
		if err != nil {
			pw.CloseWithError(s.finish(err))
			return
		}
		s.to(stateStreaming)
		err = runStream(ctx, exec, streams)
		s.to(stateDraining)
		pw.CloseWithError(s.finish(err))
	}()

	return archive.NewFileStream(pr), nil
}

// CopyDirectoryFromPod copies the directory tree at remotePath into
// localDest. The remote tar implementation is probed first; an
// incompatible tar fails with ErrCopyNotSupported before any data
// channel is opened.
func (c *Client) CopyDirectoryFromPod(ctx context.Context, ref PodRef, localDest, remotePath string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if !path.IsAbs(remotePath) {
		return fmt.Errorf("remote path must be absolute: %s", remotePath)
	}
	if err := os.MkdirAll(localDest, 0755); err != nil {
		return fmt.Errorf("destination directory: %w", err)
	}
	if !c.probeRemoteTar(ctx, ref) {
		return fmt.Errorf("pod %s: %w", ref, ErrCopyNotSupported)
	}

	s := newSession(ref, packCommand(remotePath))

	pr, pw := io.Pipe()
	streams := execStreams{stdout: pw, stderr: &s.stderr}

	s.to(stateChannelOpening)
	exec, err := c.openExec(ref, s.command, streams)
	if err != nil {
		pw.CloseWithError(err)
		return s.finish(err)
	}

	s.to(stateStreaming)
	streamDone := make(chan error, 1)
	go func() {
		err := runStream(ctx, exec, streams)
		pw.CloseWithError(err)
		streamDone <- err
	}()

	decErr := archive.Decode(pr, localDest, path.Base(remotePath))
	pr.Close()
	s.to(stateDraining)
	streamErr := <-streamDone

	// A remote failure explains a truncated or empty archive, so it wins;
	// a local decode verdict such as path traversal is authoritative over
	// the secondary pipe-teardown noise.
	if decErr != nil {
		var derr *archive.DecodeError
		if errors.As(decErr, &derr) && derr.Reason != archive.DecodeTruncated {
			return s.finish(decErr)
		}
		if streamErr == nil {
			return s.finish(decErr)
		}
	}
	return s.finish(streamErr)
}

// probeRemoteTar checks for a GNU tar inside the container. BusyBox and
// BSD tar dialects mishandle the archives this package produces, so the
// directory entry points refuse to run against them.
func (c *Client) probeRemoteTar(ctx context.Context, ref PodRef) bool {
	var stdout bytes.Buffer
	var stderr limitBuffer

	err := c.execute(ctx, ref, probeCommand(), execStreams{stdout: &stdout, stderr: &stderr})
	if err != nil {
		klog.V(2).Infof("Remote tar probe failed for pod %s: %v", ref, err)
		return false
	}
	if !bytes.Contains(stdout.Bytes(), []byte("GNU tar")) {
		klog.V(2).Infof("Remote tar is not GNU tar for pod %s: %q", ref, stdout.String())
		return false
	}
	return true
}
