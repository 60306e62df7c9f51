package watch

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"

	"github.com/kinetic-k8s/kinetic/pkg/api"
	"github.com/kinetic-k8s/kinetic/pkg/metrics"
)

// Run drives one watcher: list, emit Restarted, then stream Applied and
// Deleted events into the handle until the stream breaks, at which point it
// relists. Stream errors are logged and the watch re-established; Run only
// returns when ctx is done.
func Run(ctx context.Context, client api.Client, h Handle) {
	defer utilruntime.HandleCrash()

	// Pace relists so a flapping watch cannot hammer the API server.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	backoff := wait.Backoff{Duration: time.Second, Factor: 2, Steps: 5, Cap: 30 * time.Second}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		list, err := client.List(ctx, h.Descriptor.GVK, h.Descriptor.Namespace, h.Descriptor.Filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			klog.Warningf("Listing %s failed: %v", h.Descriptor, err)
			select {
			case <-time.After(backoff.Step()):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = wait.Backoff{Duration: time.Second, Factor: 2, Steps: 5, Cap: 30 * time.Second}

		objs := make([]*unstructured.Unstructured, 0, len(list.Items))
		for i := range list.Items {
			objs = append(objs, &list.Items[i])
		}
		if !send(ctx, h, api.DynamicEvent{Type: api.Restarted, Objects: objs}) {
			return
		}
		metrics.WatchRestarts.WithLabelValues(h.Descriptor.GVK.Kind).Inc()

		resourceVersion := list.GetResourceVersion()
		if !stream(ctx, client, h, resourceVersion) {
			return
		}
	}
}

// stream consumes one watch connection. Returns false when ctx is done.
func stream(ctx context.Context, client api.Client, h Handle, resourceVersion string) bool {
	w, err := client.Watch(ctx, h.Descriptor.GVK, h.Descriptor.Namespace, h.Descriptor.Filter, resourceVersion)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		klog.Warningf("Watching %s failed: %v", h.Descriptor, err)
		return true
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-w.ResultChan():
			if !ok {
				klog.V(3).Infof("Watch stream for %s closed, relisting", h.Descriptor)
				return true
			}
			switch ev.Type {
			case apiwatch.Added, apiwatch.Modified:
				obj, ok := ev.Object.(*unstructured.Unstructured)
				if !ok {
					klog.Warningf("Expected unstructured object on %s stream, got %T", h.Descriptor, ev.Object)
					continue
				}
				if !send(ctx, h, api.DynamicEvent{Type: api.Applied, Object: obj}) {
					return false
				}
			case apiwatch.Deleted:
				obj, ok := ev.Object.(*unstructured.Unstructured)
				if !ok {
					klog.Warningf("Expected unstructured object on %s stream, got %T", h.Descriptor, ev.Object)
					continue
				}
				if !send(ctx, h, api.DynamicEvent{Type: api.Deleted, Object: obj}) {
					return false
				}
			case apiwatch.Bookmark:
			case apiwatch.Error:
				klog.Warningf("Error event on %s stream: %v", h.Descriptor, ev.Object)
				return true
			}
		}
	}
}

func send(ctx context.Context, h Handle, e api.DynamicEvent) bool {
	select {
	case h.Events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
