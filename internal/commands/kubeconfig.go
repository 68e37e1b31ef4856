package commands

import (
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

// buildConfigFromFlags is a modified version of clientcmd.BuildConfigFromFlags
// that returns the namespace set in the kubeconfig to make sure we play nicely
// with tools like kubens.
func buildConfigFromFlags(kubeconfigPath string) (string, *restclient.Config, error) {
	if kubeconfigPath == "" {
		kubeconfig, err := restclient.InClusterConfig()
		if err == nil {
			return "", kubeconfig, nil
		}
		klog.V(1).Info("not running in-cluster, falling back to default kubeconfig: ", err)
	}
	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath},
		&clientcmd.ConfigOverrides{})

	ns, _, err := cc.Namespace()
	if err != nil {
		return "", nil, err
	}
	rst, err := cc.ClientConfig()

	return ns, rst, err
}
