package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/substratusai/podcp/internal/client"
)

// CP returns the cp command: copy files and directories to and from a
// running pod, kubectl-cp style.
func CP() *cobra.Command {
	var cfg struct {
		kubeconfig string
		namespace  string
		container  string
		recursive  bool
		timeout    time.Duration
	}

	var envDefaults struct {
		Namespace  string `env:"PODCP_NAMESPACE"`
		Container  string `env:"PODCP_CONTAINER"`
		Kubeconfig string `env:"PODCP_KUBECONFIG"`
	}
	if err := envconfig.Process(context.Background(), &envDefaults); err != nil {
		klog.Errorf("Environment: %v", err)
	}

	var cmd = &cobra.Command{
		Use:     "cp [flags] SRC DST",
		Short:   "Copy a file or directory to or from a pod",
		Long: `Copy a file or directory to or from a pod.

Exactly one of SRC or DST must reference a pod, written as POD:PATH.
Pod paths are absolute. Directories require --recursive and a container
image that ships GNU tar.`,
		Example: `  # Upload a local file.
  podcp cp ./weights.bin mypod:/data/weights.bin

  # Download a file from a specific container.
  podcp cp -c trainer mypod:/var/log/train.log ./train.log

  # Download a directory tree.
  podcp cp -R mypod:/results ./results`,
		Args:    cobra.ExactArgs(2),
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			client.Version = Version

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if cfg.timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
				defer cancel()
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				cancel()
			}()

			src, dst, err := parseArgs(args[0], args[1])
			if err != nil {
				return err
			}

			kubeconfigNS, restConfig, err := buildConfigFromFlags(cfg.kubeconfig)
			if err != nil {
				return fmt.Errorf("rest config: %w", err)
			}
			clientset, err := kubernetes.NewForConfig(restConfig)
			if err != nil {
				return fmt.Errorf("clientset: %w", err)
			}
			c := NewClient(clientset, restConfig)

			ns := cfg.namespace
			if ns == "" {
				ns = kubeconfigNS
			}
			ref := client.PodRef{
				Namespace: defaultNamespace(ns),
				Name:      podNameOf(src, dst),
				Container: cfg.container,
			}

			spin := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
			spin.Suffix = " Copying..."
			spin.Start()
			defer spin.Stop()

			if dst.pod != "" {
				err = runCopyToPod(ctx, c, ref, src.path, dst.path, cfg.recursive)
			} else {
				err = runCopyFromPod(ctx, c, ref, src.path, dst.path, cfg.recursive)
			}
			if err != nil {
				return err
			}

			spin.Stop()
			fmt.Fprintln(Streams.Out, "Copied.")
			return nil
		},
	}

	defaultKubeconfig := envDefaults.Kubeconfig
	if defaultKubeconfig == "" {
		defaultKubeconfig = os.Getenv("KUBECONFIG")
	}
	if defaultKubeconfig == "" {
		defaultKubeconfig = filepath.Join(homeDir(), ".kube", "config")
	}

	cmd.Flags().StringVar(&cfg.kubeconfig, "kubeconfig", defaultKubeconfig, "")
	cmd.Flags().StringVarP(&cfg.namespace, "namespace", "n", envDefaults.Namespace, "Namespace of the pod")
	cmd.Flags().StringVarP(&cfg.container, "container", "c", envDefaults.Container, "Container to copy to/from (default: the default container)")
	cmd.Flags().BoolVarP(&cfg.recursive, "recursive", "R", false, "Copy a directory tree")
	cmd.Flags().DurationVarP(&cfg.timeout, "timeout", "t", 0, "Abort the copy after this duration (default: no timeout)")

	// Add standard klog flags (-v).
	goflags := flag.NewFlagSet("", flag.PanicOnError)
	klog.InitFlags(goflags)
	cmd.Flags().AddGoFlagSet(goflags)

	return cmd
}

func runCopyToPod(ctx context.Context, c *client.Client, ref client.PodRef, localPath, remotePath string, recursive bool) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if info.IsDir() {
		if !recursive {
			return fmt.Errorf("source %s is a directory, use --recursive", localPath)
		}
		return c.CopyDirectoryToPod(ctx, ref, localPath, remotePath)
	}
	return c.CopyFileToPod(ctx, ref, localPath, remotePath)
}

func runCopyFromPod(ctx context.Context, c *client.Client, ref client.PodRef, remotePath, localPath string, recursive bool) error {
	if recursive {
		return c.CopyDirectoryFromPod(ctx, ref, localPath, remotePath)
	}

	// When the destination is an existing directory, keep the remote base
	// name, matching cp semantics.
	if info, err := os.Stat(localPath); err == nil && info.IsDir() {
		localPath = filepath.Join(localPath, filepath.Base(remotePath))
	}

	rc, err := c.CopyFileFromPod(ctx, ref, remotePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if _, err := io.Copy(file, rc); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// target is one side of a cp invocation, either local (pod empty) or a
// path inside a pod.
type target struct {
	pod  string
	path string
}

// parseTarget splits kubectl-cp style POD:PATH notation. Anything
// without a colon is a local path.
func parseTarget(arg string) (target, error) {
	i := strings.Index(arg, ":")
	if i < 0 {
		return target{path: arg}, nil
	}
	pod, p := arg[:i], arg[i+1:]
	if pod == "" {
		return target{}, fmt.Errorf("invalid target %q: empty pod name", arg)
	}
	if !strings.HasPrefix(p, "/") {
		return target{}, fmt.Errorf("invalid target %q: pod path must be absolute", arg)
	}
	return target{pod: pod, path: p}, nil
}

func parseArgs(srcArg, dstArg string) (src, dst target, err error) {
	src, err = parseTarget(srcArg)
	if err != nil {
		return
	}
	dst, err = parseTarget(dstArg)
	if err != nil {
		return
	}
	if (src.pod == "") == (dst.pod == "") {
		err = fmt.Errorf("exactly one of SRC and DST must be a pod path (POD:PATH)")
	}
	return
}

func podNameOf(src, dst target) string {
	if src.pod != "" {
		return src.pod
	}
	return dst.pod
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
