package record

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"git.srvlab.io/whiskey/node-local-cache-csi/pkg/observability"
)

const (
	// dataKey is the ConfigMap data key holding the JSON record payload.
	dataKey = "status"
)

// ConfigMapStore is the production Store backed by ConfigMaps in a single
// namespace. The ConfigMap resourceVersion is the CAS token.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	metrics   *observability.Metrics
}

// ConfigMapStoreConfig holds configuration for a ConfigMapStore.
type ConfigMapStoreConfig struct {
	// Client is the Kubernetes clientset (required)
	Client kubernetes.Interface

	// Namespace is where cleanup ConfigMaps live (required)
	Namespace string

	// Metrics is optional Prometheus metrics recorder (may be nil)
	Metrics *observability.Metrics
}

// NewConfigMapStore creates a ConfigMap-backed Store.
func NewConfigMapStore(config ConfigMapStoreConfig) (*ConfigMapStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("Client is required")
	}
	if config.Namespace == "" {
		return nil, fmt.Errorf("Namespace is required")
	}
	return &ConfigMapStore{
		client:    config.Client,
		namespace: config.Namespace,
		metrics:   config.Metrics,
	}, nil
}

// Get returns the record for a volume, or ErrNotFound.
func (s *ConfigMapStore) Get(ctx context.Context, volumeID string) (*Versioned, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, Key(volumeID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get coordination record %s: %w", Key(volumeID), err)
	}
	return decodeConfigMap(cm)
}

// Create persists a new record.
func (s *ConfigMapStore) Create(ctx context.Context, rec Record) (*Versioned, error) {
	cm, err := encodeConfigMap(rec, s.namespace, "")
	if err != nil {
		return nil, err
	}

	created, err := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create coordination record %s: %w", cm.Name, err)
	}
	return decodeConfigMap(created)
}

// Update replaces the record under the supplied CAS token.
func (s *ConfigMapStore) Update(ctx context.Context, rec Record, expectedVersion string) (*Versioned, error) {
	cm, err := encodeConfigMap(rec, s.namespace, expectedVersion)
	if err != nil {
		return nil, err
	}

	updated, err := s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	if err != nil {
		switch {
		case apierrors.IsConflict(err):
			if s.metrics != nil {
				s.metrics.RecordStoreConflict()
			}
			return nil, ErrConflict
		case apierrors.IsNotFound(err):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update coordination record %s: %w", cm.Name, err)
	}
	return decodeConfigMap(updated)
}

// Delete removes the record under the supplied CAS token. Absent records
// are treated as already deleted.
func (s *ConfigMapStore) Delete(ctx context.Context, volumeID, expectedVersion string) error {
	opts := metav1.DeleteOptions{}
	if expectedVersion != "" {
		opts.Preconditions = &metav1.Preconditions{ResourceVersion: &expectedVersion}
	}

	err := s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, Key(volumeID), opts)
	if err != nil {
		switch {
		case apierrors.IsNotFound(err):
			return nil
		case apierrors.IsConflict(err):
			if s.metrics != nil {
				s.metrics.RecordStoreConflict()
			}
			return ErrConflict
		}
		return fmt.Errorf("failed to delete coordination record %s: %w", Key(volumeID), err)
	}
	return nil
}

// List returns all records in the given state (all records for "").
func (s *ConfigMapStore) List(ctx context.Context, state State) ([]Versioned, error) {
	list, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: stateSelector(state),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list coordination records: %w", err)
	}

	var records []Versioned
	for i := range list.Items {
		v, err := decodeConfigMap(&list.Items[i])
		if err != nil {
			// A corrupt record must not wedge the whole listing.
			continue
		}
		records = append(records, *v)
	}
	return records, nil
}

// stateSelector builds the label selector for a state. The empty state
// selects every record carrying the cleanup label.
func stateSelector(state State) string {
	if state == "" {
		return LabelKey
	}
	return fmt.Sprintf("%s=%s", LabelKey, state)
}

// encodeConfigMap serializes a record into its ConfigMap representation.
func encodeConfigMap(rec Record, namespace, version string) (*corev1.ConfigMap, error) {
	if rec.VolumeID == "" {
		return nil, fmt.Errorf("record has empty volume ID")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal coordination record: %w", err)
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:            Key(rec.VolumeID),
			Namespace:       namespace,
			ResourceVersion: version,
			Labels: map[string]string{
				LabelKey: string(rec.State),
			},
		},
		Data: map[string]string{
			dataKey: string(payload),
		},
	}, nil
}

// decodeConfigMap parses a ConfigMap back into a versioned record. The
// record's volume ID must match the key it is stored under.
func decodeConfigMap(cm *corev1.ConfigMap) (*Versioned, error) {
	payload, ok := cm.Data[dataKey]
	if !ok {
		return nil, fmt.Errorf("coordination record %s has no %q data", cm.Name, dataKey)
	}

	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal coordination record %s: %w", cm.Name, err)
	}

	keyID, err := VolumeIDFromKey(cm.Name)
	if err != nil {
		return nil, err
	}
	if rec.VolumeID != keyID {
		return nil, fmt.Errorf("coordination record %s carries mismatched volume ID %s", cm.Name, rec.VolumeID)
	}

	return &Versioned{Record: rec, Version: cm.ResourceVersion}, nil
}
