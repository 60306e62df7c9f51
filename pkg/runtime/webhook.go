package runtime

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/kinetic-k8s/kinetic/pkg/admission"
	"github.com/kinetic-k8s/kinetic/pkg/operator"
)

// WebhookPath is the endpoint an operator's admission hook is served at.
func WebhookPath(gvk schema.GroupVersionKind) string {
	group := gvk.Group
	if group == "" {
		group = "core"
	}
	return "/" + strings.Join([]string{group, gvk.Version, gvk.Kind}, "/")
}

func admissionServer(ctx context.Context, admitter operator.Admitter, gvk schema.GroupVersionKind, addr string) (*admission.Server, error) {
	tlsConfig, err := admitter.AdmissionTLS(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading admission TLS material: %w", err)
	}
	server := admission.NewServer(addr, tlsConfig)
	server.HandlePath(WebhookPath(gvk), admitter.AdmissionHook)
	return server, nil
}
