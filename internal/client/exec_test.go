package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// requestLog records exec requests the way the API server would see them.
type requestLog struct {
	mtx      sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Path  string
	Query url.Values
}

func (l *requestLog) add(r *http.Request) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.requests = append(l.requests, recordedRequest{Path: r.URL.Path, Query: r.URL.Query()})
}

func (l *requestLog) all() []recordedRequest {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]recordedRequest(nil), l.requests...)
}

// newNotFoundServer stubs the exec endpoint to reject every upgrade with
// the Status body a real API server returns for a missing pod.
func newNotFoundServer(t *testing.T) (*httptest.Server, *requestLog) {
	log := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"kind":"Status","apiVersion":"v1","metadata":{},"status":"Failure","message":"pods \"apod\" not found","reason":"NotFound","code":404}`)
	}))
	t.Cleanup(server.Close)
	return server, log
}

func newTestClient(t *testing.T, host string) *Client {
	config := &rest.Config{Host: host}
	clientset, err := kubernetes.NewForConfig(config)
	require.NoError(t, err)
	return NewClient(clientset, config)
}

func testRef() PodRef {
	return PodRef{Namespace: "default", Name: "apod"}
}

func assertExecRequest(t *testing.T, req recordedRequest, stdin, stdout, stderr string, command []string) {
	t.Helper()
	assert.Equal(t, "/api/v1/namespaces/default/pods/apod/exec", req.Path)
	assert.Equal(t, stdin, req.Query.Get("stdin"))
	assert.Equal(t, stdout, req.Query.Get("stdout"))
	assert.Equal(t, stderr, req.Query.Get("stderr"))
	assert.Equal(t, "false", req.Query.Get("tty"))
	assert.Equal(t, command, req.Query["command"])
}

func TestCopyFileToPodRequestContract(t *testing.T) {
	server, log := newNotFoundServer(t)
	c := newTestClient(t, server.URL)

	testFile := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(testFile, []byte("data"), 0644))

	err := c.CopyFileToPod(context.Background(), testRef(), testFile, "/copied-testfile")
	require.Error(t, err)

	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, ChannelNotFound, chErr.Reason)

	requests := log.all()
	require.Len(t, requests, 1)
	assertExecRequest(t, requests[0], "true", "true", "true",
		[]string{"sh", "-c", "tar -xmf - -C /"})
}

func TestCopyBytesToPodRequestContract(t *testing.T) {
	server, log := newNotFoundServer(t)
	c := newTestClient(t, server.URL)

	// A zero-length payload still opens a full upload session.
	err := c.CopyBytesToPod(context.Background(), testRef(), []byte{}, "/copied-binarydata")
	require.Error(t, err)

	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)

	requests := log.all()
	require.Len(t, requests, 1)
	assertExecRequest(t, requests[0], "true", "true", "true",
		[]string{"sh", "-c", "tar -xmf - -C /"})
}

func TestCopyFileFromPodRequestContract(t *testing.T) {
	server, log := newNotFoundServer(t)
	c := newTestClient(t, server.URL)

	stream, err := c.CopyFileFromPod(context.Background(), testRef(), "/some/path/to/file")
	require.NoError(t, err)
	defer stream.Close()

	// The channel is dialed on the first read, which must surface the
	// rejected upgrade rather than hang.
	_, err = stream.Read(make([]byte, 1))
	require.Error(t, err)

	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, ChannelNotFound, chErr.Reason)

	requests := log.all()
	require.Len(t, requests, 1)
	assertExecRequest(t, requests[0], "false", "true", "true",
		[]string{"sh", "-c", "tar -cf - -C /some/path/to file"})
}

func TestCopyDirectoryFromPodProbesBeforeData(t *testing.T) {
	server, log := newNotFoundServer(t)
	c := newTestClient(t, server.URL)

	err := c.CopyDirectoryFromPod(context.Background(), testRef(), t.TempDir(), "/copied-testDir")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCopyNotSupported)

	// The failed probe must short-circuit the copy: no data channel opened.
	requests := log.all()
	require.Len(t, requests, 1)
	assertExecRequest(t, requests[0], "false", "true", "true",
		[]string{"sh", "-c", "tar --version"})
}

func TestCopyDirectoryToPodProbesBeforeData(t *testing.T) {
	server, log := newNotFoundServer(t)
	c := newTestClient(t, server.URL)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f.txt"), []byte("x"), 0644))

	err := c.CopyDirectoryToPod(context.Background(), testRef(), srcDir, "/dest")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCopyNotSupported)

	requests := log.all()
	require.Len(t, requests, 1)
	assertExecRequest(t, requests[0], "false", "true", "true",
		[]string{"sh", "-c", "tar --version"})
}

func TestCopyToPodCancellationUnblocks(t *testing.T) {
	// The stub never answers the upgrade request, so the session blocks
	// until the caller cancels.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()
	c := newTestClient(t, server.URL)

	testFile := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(testFile, []byte("data"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.CopyFileToPod(ctx, testRef(), testFile, "/copied-testfile")
	}()

	time.AfterFunc(100*time.Millisecond, cancel)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled copy did not unblock")
	}
}

func TestCopyRejectsInvalidInput(t *testing.T) {
	server, log := newNotFoundServer(t)
	c := newTestClient(t, server.URL)
	ctx := context.Background()

	testFile := filepath.Join(t.TempDir(), "testfile")
	require.NoError(t, os.WriteFile(testFile, []byte("data"), 0644))

	err := c.CopyFileToPod(ctx, PodRef{Namespace: "default"}, testFile, "/f")
	require.Error(t, err, "missing pod name")

	err = c.CopyFileToPod(ctx, testRef(), testFile, "relative/path")
	require.Error(t, err, "relative remote path")

	_, err = c.CopyFileFromPod(ctx, testRef(), "relative/path")
	require.Error(t, err, "relative remote path")

	// None of these may touch the API server.
	assert.Empty(t, log.all())
}
