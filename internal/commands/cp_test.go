package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/cli-runtime/pkg/genericclioptions"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		arg     string
		want    target
		wantErr bool
	}{
		{arg: "./local/file", want: target{path: "./local/file"}},
		{arg: "/abs/local", want: target{path: "/abs/local"}},
		{arg: "apod:/var/log/out.log", want: target{pod: "apod", path: "/var/log/out.log"}},
		{arg: "apod:relative/path", wantErr: true},
		{arg: ":/var/log", wantErr: true},
	}
	for _, c := range cases {
		got, err := parseTarget(c.arg)
		if c.wantErr {
			assert.Error(t, err, c.arg)
			continue
		}
		require.NoError(t, err, c.arg)
		assert.Equal(t, c.want, got, c.arg)
	}
}

func TestParseArgs(t *testing.T) {
	src, dst, err := parseArgs("./f", "apod:/f")
	require.NoError(t, err)
	assert.Equal(t, "", src.pod)
	assert.Equal(t, "apod", dst.pod)

	_, _, err = parseArgs("./a", "./b")
	require.Error(t, err, "two local paths")

	_, _, err = parseArgs("a:/x", "b:/y")
	require.Error(t, err, "two pod paths")
}

func TestCPRejectsTwoLocalPaths(t *testing.T) {
	streams, _, out, _ := genericclioptions.NewTestIOStreams()
	orig := Streams
	Streams = streams
	t.Cleanup(func() { Streams = orig })

	cmd := CP()
	var cmdOut bytes.Buffer
	cmd.SetOut(&cmdOut)
	cmd.SetErr(&cmdOut)
	cmd.SetArgs([]string{"./a", "./b"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
	assert.Empty(t, out.String(), "nothing may be reported as copied")
}

func TestCPRequiresTwoArgs(t *testing.T) {
	cmd := CP()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"only-one"})

	require.Error(t, cmd.Execute())
}
