package main

import (
	"flag"
	"net/http"
	goruntime "runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/runtime"
	"github.com/kinetic-k8s/kinetic/pkg/version"
)

var widgetGVK = schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}

func printVersion() {
	klog.Infof("Version: %s", version.String)
	klog.Infof("Go Version: %s", goruntime.Version())
	klog.Infof("Go OS/Arch: %s/%s", goruntime.GOOS, goruntime.GOARCH)
}

func main() {
	var (
		kubeconfig     string
		namespace      string
		labelSelector  string
		metricsAddress string
	)

	rootCmd := &cobra.Command{
		Use:   "example-operator",
		Short: "Run the widget example operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()

			cfg, err := buildConfig(kubeconfig)
			if err != nil {
				return err
			}
			client, err := api.NewClient(cfg)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddress, mux); err != nil {
					klog.Errorf("Metrics listener failed: %v", err)
				}
			}()

			rt := runtime.New(client, newWidgetOperator(), widgetGVK, &unstructured.Unstructured{}, runtime.Options{
				Namespace: namespace,
				Filter:    api.ListFilter{LabelSelector: labelSelector},
			})

			ctx := signals.SetupSignalHandler()
			rt.Run(ctx)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Uses in-cluster configuration if unset.")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "", "Namespace to watch for widgets. All namespaces if unset.")
	rootCmd.PersistentFlags().StringVar(&labelSelector, "selector", "", "Label selector restricting the managed widgets.")
	rootCmd.PersistentFlags().StringVar(&metricsAddress, "metrics-bind-address", ":8080", "Address for hosting metrics.")

	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	if err := rootCmd.Execute(); err != nil {
		klog.Exitf("Error running example operator: %v", err)
	}
}

func buildConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}
