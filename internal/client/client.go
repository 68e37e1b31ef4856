// Package client copies files and directories between the local
// filesystem and running pods. It speaks only to the exec subresource of
// the API server: data moves as a tar stream through the stdin/stdout of
// a remote tar process, so no agent is needed in the container image.
package client

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

var Version = "development"

func NewClient(inf kubernetes.Interface, cfg *rest.Config) *Client {
	return &Client{Interface: inf, Config: cfg}
}

type Client struct {
	kubernetes.Interface
	Config *rest.Config
}

// PodRef identifies the container side of a copy.
type PodRef struct {
	Namespace string `validate:"required"`
	Name      string `validate:"required"`
	// Container may be empty, meaning the default container of the pod.
	Container string
}

func (r PodRef) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: r.Namespace, Name: r.Name}
}

func (r PodRef) String() string {
	return r.Namespace + "/" + r.Name
}

func validateRef(ref PodRef) error {
	if err := validator.New().Struct(ref); err != nil {
		return fmt.Errorf("pod ref: %w", err)
	}
	return nil
}
