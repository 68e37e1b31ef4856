package client

import (
	"errors"
	"fmt"
	"strings"
)

// ChannelErrorReason classifies failures to establish an exec channel.
type ChannelErrorReason string

const (
	// ChannelNotFound means the API server rejected the exec request
	// before the stream was upgraded, typically because the pod or
	// container does not exist.
	ChannelNotFound ChannelErrorReason = "NotFound"
	// ChannelConnectionFailed covers transport-level failures dialing or
	// upgrading the exec connection.
	ChannelConnectionFailed ChannelErrorReason = "ConnectionFailed"
)

// ChannelError reports that the exec channel for a session could not be
// established. No data was streamed.
type ChannelError struct {
	Reason ChannelErrorReason
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("exec channel (%s): %v", e.Reason, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// CopyError reports a remote command that ran but exited non-zero.
// Stderr carries up to the first stderrLimit bytes the remote process
// wrote, for diagnostics.
type CopyError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CopyError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command failed with exit code %d: %s", e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("remote command failed with exit code %d", e.ExitCode)
}

func (e *CopyError) Unwrap() error { return e.Err }

// ErrCopyNotSupported is returned by the directory copy entry points
// when the capability probe does not find a usable GNU tar inside the
// container. No data channel is opened in that case.
var ErrCopyNotSupported = errors.New("directory copy not supported: container has no compatible tar implementation")
