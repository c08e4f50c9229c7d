// Package artifact offloads large node output snapshots out of the event log.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/flexinfer/flowtest/pkg/types"
)

// ErrNotFound is returned when a referenced artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Backend stores opaque payloads under a key.
type Backend interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) (*types.ArtifactRef, error)
	Get(ctx context.Context, ref *types.ArtifactRef) (io.ReadCloser, error)
	Delete(ctx context.Context, ref *types.ArtifactRef) error
}

// Config selects and configures a backend.
type Config struct {
	// Type is "none", "memory" or "s3"
	Type string

	// ThresholdBytes is the encoded snapshot size above which outputs are
	// offloaded. Zero offloads nothing.
	ThresholdBytes int

	S3 S3Config
}

// New builds the backend named by cfg.Type. "none" returns a nil backend.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryBackend(), nil
	case "s3", "minio":
		b, err := NewS3Backend(ctx, &cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown artifact backend: %s", cfg.Type)
	}
}

// Key is the storage key of a node's output snapshot.
func Key(taskID, nodeID string) string {
	return fmt.Sprintf("tasks/%s/nodes/%s/outputs.json", taskID, nodeID)
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Offloader decides whether an output snapshot travels inline or by reference.
type Offloader struct {
	backend   Backend
	threshold int
}

// NewOffloader returns an Offloader. A nil backend or zero threshold keeps
// every snapshot inline.
func NewOffloader(backend Backend, thresholdBytes int) *Offloader {
	return &Offloader{backend: backend, threshold: thresholdBytes}
}

// Snapshot returns either the outputs to inline or a reference to the stored
// snapshot, never both.
func (o *Offloader) Snapshot(ctx context.Context, taskID, nodeID string, outputs map[string]any) (map[string]any, *types.ArtifactRef, error) {
	if o == nil || o.backend == nil || o.threshold <= 0 {
		return outputs, nil, nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		// not serialisable; the caller rejects such outputs
		return outputs, nil, nil
	}
	if len(data) <= o.threshold {
		return outputs, nil, nil
	}
	ref, err := o.backend.Put(ctx, Key(taskID, nodeID), bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, nil, fmt.Errorf("offload outputs of %s: %w", nodeID, err)
	}
	return nil, ref, nil
}

// Load reads an offloaded snapshot back.
func Load(ctx context.Context, backend Backend, ref *types.ArtifactRef) (map[string]any, error) {
	rc, err := backend.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var outputs map[string]any
	if err := json.NewDecoder(rc).Decode(&outputs); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", ref.URI, err)
	}
	return outputs, nil
}
