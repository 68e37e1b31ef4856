package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"k8s.io/klog/v2"
)

// execStreams declares which streams a session attaches. A nil stream is
// requested as absent on the wire and never touched afterwards.
type execStreams struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// newExecutor is a dirty hack to allow the SPDY executor to be faked out in tests.
var newExecutor = func(config *rest.Config, method string, u *url.URL) (remotecommand.Executor, error) {
	return remotecommand.NewSPDYExecutor(config, method, u)
}

// openExec builds the exec subresource request for the given command and
// stream flags and prepares the upgrade executor. Encoding through the
// parameter codec yields the stdin/stdout/stderr/tty booleans plus one
// command query parameter per argv token, in order. The connection itself
// is dialed on the first stream call; pod existence is not pre-checked.
func (c *Client) openExec(ref PodRef, command []string, streams execStreams) (remotecommand.Executor, error) {
	req := c.Interface.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(ref.Name).
		Namespace(ref.Namespace).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: ref.Container,
		Command:   command,
		Stdin:     streams.stdin != nil,
		Stdout:    streams.stdout != nil,
		Stderr:    streams.stderr != nil,
		TTY:       false,
	}, scheme.ParameterCodec)

	klog.V(2).Infof("Opening exec channel: pod=%s command=%q", ref, command)

	exec, err := newExecutor(c.Config, http.MethodPost, req.URL())
	if err != nil {
		return nil, &ChannelError{Reason: ChannelConnectionFailed, Err: err}
	}
	return exec, nil
}

// runStream drives the exec session until the remote process exits, all
// attached streams are exhausted, or ctx is cancelled. The executor pumps
// the up-to-three streams concurrently, so a chatty stderr cannot stall
// stdout and vice versa. Remote non-zero exits and context cancellation
// pass through untouched for the copy layer to diagnose; everything else
// is a channel failure.
func runStream(ctx context.Context, exec remotecommand.Executor, streams execStreams) error {
	err := exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  streams.stdin,
		Stdout: streams.stdout,
		Stderr: streams.stderr,
	})
	if err == nil {
		return nil
	}

	var exitErr utilexec.CodeExitError
	if errors.As(err, &exitErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// The upgrade failure for a missing pod surfaces either as a typed
	// Status error or as an opaque "unable to upgrade" message carrying
	// the response code.
	if apierrors.IsNotFound(err) || strings.Contains(err.Error(), "404") {
		return &ChannelError{Reason: ChannelNotFound, Err: err}
	}
	return &ChannelError{Reason: ChannelConnectionFailed, Err: err}
}

// execute opens the channel and runs the session in one step, for
// callers that do not track session state themselves.
func (c *Client) execute(ctx context.Context, ref PodRef, command []string, streams execStreams) error {
	exec, err := c.openExec(ref, command, streams)
	if err != nil {
		return err
	}
	return runStream(ctx, exec, streams)
}
