package record

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	watchapi "k8s.io/apimachinery/pkg/watch"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	corev1 "k8s.io/api/core/v1"
)

const (
	// watchBufferSize bounds the event channel. Consumers are expected to
	// keep up; the periodic resync in the sweeper/completer covers drops.
	watchBufferSize = 64
)

// Watch streams events for records in the given state. The stream survives
// API server disconnects: on stream loss it re-lists (rate limited) and
// re-watches with capped exponential backoff. Every (re)list surfaces the
// current records as EventAdded, so consumers get resync for free.
func (s *ConfigMapStore) Watch(ctx context.Context, state State) (<-chan Event, error) {
	ch := make(chan Event, watchBufferSize)
	go s.watchLoop(ctx, state, ch)
	return ch, nil
}

func (s *ConfigMapStore) watchLoop(ctx context.Context, state State, ch chan<- Event) {
	defer close(ch)

	// Re-lists hit the API server harder than watches; bound them.
	relistLimiter := rate.NewLimiter(rate.Every(time.Second), 1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // reconnect forever

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			if s.metrics != nil {
				s.metrics.RecordWatchReconnect()
			}
			wait := bo.NextBackOff()
			klog.V(4).Infof("Coordination record watch reconnecting in %v", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
		first = false

		if err := relistLimiter.Wait(ctx); err != nil {
			return
		}

		list, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: stateSelector(state),
		})
		if err != nil {
			klog.Warningf("Failed to list coordination records for watch: %v", err)
			continue
		}

		for i := range list.Items {
			v, err := decodeConfigMap(&list.Items[i])
			if err != nil {
				klog.Warningf("Skipping corrupt coordination record %s: %v", list.Items[i].Name, err)
				continue
			}
			if !send(ctx, ch, Event{Type: EventAdded, Record: *v}) {
				return
			}
		}

		w, err := s.client.CoreV1().ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector:   stateSelector(state),
			ResourceVersion: list.ResourceVersion,
		})
		if err != nil {
			klog.Warningf("Failed to start coordination record watch: %v", err)
			continue
		}

		if s.consume(ctx, w, ch) {
			bo.Reset()
		}
		w.Stop()
	}
}

// consume drains a single watch stream. Returns true if at least one event
// was delivered (used to reset the reconnect backoff).
func (s *ConfigMapStore) consume(ctx context.Context, w watchapi.Interface, ch chan<- Event) bool {
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered
		case ev, ok := <-w.ResultChan():
			if !ok {
				return delivered
			}

			cm, ok := ev.Object.(*corev1.ConfigMap)
			if !ok {
				// Bookmark or status object; ignore.
				continue
			}

			v, err := decodeConfigMap(cm)
			if err != nil {
				klog.Warningf("Skipping corrupt coordination record %s: %v", cm.Name, err)
				continue
			}

			var typ EventType
			switch ev.Type {
			case watchapi.Added:
				typ = EventAdded
			case watchapi.Modified:
				typ = EventModified
			case watchapi.Deleted:
				typ = EventDeleted
			default:
				continue
			}

			if !send(ctx, ch, Event{Type: typ, Record: *v}) {
				return delivered
			}
			delivered = true
		}
	}
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
