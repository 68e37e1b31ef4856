package commands

import (
	"os"

	"k8s.io/cli-runtime/pkg/genericclioptions"

	"github.com/substratusai/podcp/internal/client"
)

var Version = "development"

// NewClient is a dirty hack to allow the client to be mocked out in tests. Eww.
var NewClient = client.NewClient

// Streams is a dirty hack to allow command output to be inspected in tests. Eww.
var Streams = genericclioptions.IOStreams{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr}

func defaultNamespace(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}
