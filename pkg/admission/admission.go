// Package admission provides the optional HTTP front-end translating
// admission review requests into operator admission hooks.
package admission

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
)

// Result is an admission hook's verdict on one manifest.
type Result struct {
	// Allowed admits the request when true.
	Allowed bool
	// Message explains a denial to the API user.
	Message string
	// Patch, when non-empty, is a JSONPatch mutating the admitted object.
	Patch []byte
}

// Allow admits the request unchanged.
func Allow() Result {
	return Result{Allowed: true}
}

// Deny rejects the request with the given reason.
func Deny(message string) Result {
	return Result{Message: message}
}

// Mutate admits the request with a JSONPatch applied.
func Mutate(patch []byte) Result {
	return Result{Allowed: true, Patch: patch}
}

// TLS carries the serving certificate for the webhook endpoint, usually read
// from a Kubernetes secret.
type TLS struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Hook reviews the raw manifest carried by an admission request.
type Hook func(ctx context.Context, raw []byte) Result

// Server serves admission reviews over HTTPS. Each registered path
// (conventionally /{group}/{version}/{kind}) maps to one hook.
type Server struct {
	Addr string
	TLS  TLS

	mux *http.ServeMux
}

// NewServer returns a server listening on addr once Run is called.
func NewServer(addr string, tlsConfig TLS) *Server {
	return &Server{Addr: addr, TLS: tlsConfig, mux: http.NewServeMux()}
}

// Handler exposes the underlying mux, mainly for tests and embedding into
// an existing server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HandlePath registers a hook at the given path.
func (s *Server) HandlePath(path string, hook Hook) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		serveReview(w, r, hook)
	})
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	defer utilruntime.HandleCrash()

	cert, err := tls.X509KeyPair(s.TLS.CertPEM, s.TLS.KeyPEM)
	if err != nil {
		return fmt.Errorf("loading webhook certificate: %w", err)
	}
	srv := &http.Server{
		Addr:      s.Addr,
		Handler:   s.mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	klog.Infof("Admission webhook listening on %s", s.Addr)
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func serveReview(w http.ResponseWriter, r *http.Request, hook Hook) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is accepted", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	var review admissionv1.AdmissionReview
	if err := json.Unmarshal(body, &review); err != nil {
		http.Error(w, fmt.Sprintf("decoding admission review: %v", err), http.StatusBadRequest)
		return
	}
	if review.Request == nil {
		http.Error(w, "admission review carries no request", http.StatusBadRequest)
		return
	}

	result := hook(r.Context(), review.Request.Object.Raw)

	response := &admissionv1.AdmissionResponse{
		UID:     review.Request.UID,
		Allowed: result.Allowed,
	}
	if !result.Allowed {
		response.Result = &metav1.Status{
			Status:  metav1.StatusFailure,
			Message: result.Message,
		}
	}
	if len(result.Patch) > 0 {
		patchType := admissionv1.PatchTypeJSONPatch
		response.Patch = result.Patch
		response.PatchType = &patchType
	}

	review.Response = response
	review.Request = nil

	out, err := json.Marshal(&review)
	if err != nil {
		klog.Errorf("Encoding admission response: %v", err)
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		klog.Warningf("Writing admission response: %v", err)
	}
}
