// Package descriptor validates the versioned JSON records exchanged with
// buyers and workers: the task descriptor (what a job requires) and the
// proof-pack manifest (what a worker observed). Both are stored as opaque
// blobs after validation; typed fields cover the parts the engines read.
package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxBlobBytes caps any dynamic JSON body accepted from callers.
const MaxBlobBytes = 16 << 10

// SchemaVersion is the only task descriptor version this service accepts.
const SchemaVersion = "v1"

var (
	// ErrTooLarge is returned when a JSON blob exceeds MaxBlobBytes.
	ErrTooLarge = errors.New("task_descriptor_too_large")
	// ErrForbiddenKey is returned when a blob smuggles credential-shaped keys.
	ErrForbiddenKey = errors.New("task_descriptor_forbidden_key")
)

var forbiddenKeyFragments = []string{"token", "secret", "password"}

// TaskDescriptor is the typed view of a v1 descriptor.
type TaskDescriptor struct {
	SchemaVersion  string         `json:"schema_version"`
	Type           string         `json:"type"`
	CapabilityTags []string       `json:"capability_tags"`
	InputSpec      map[string]any `json:"input_spec"`
	OutputSpec     OutputSpec     `json:"output_spec"`
	FreshnessSLA   int            `json:"freshness_sla_sec,omitempty"`
	SiteProfile    map[string]any `json:"site_profile,omitempty"`
	Extensions     map[string]any `json:"extensions,omitempty"`
}

// OutputSpec names the artifacts a proof pack must carry.
type OutputSpec struct {
	RequiredArtifacts []string `json:"required_artifacts"`
}

// Parse validates a raw descriptor blob and returns the typed view.
func Parse(raw []byte) (*TaskDescriptor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if err := checkBlob(raw); err != nil {
		return nil, err
	}
	var td TaskDescriptor
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&td); err != nil {
		return nil, fmt.Errorf("task_descriptor_invalid: %w", err)
	}
	if td.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("task_descriptor_unsupported_version: %q", td.SchemaVersion)
	}
	if strings.TrimSpace(td.Type) == "" {
		return nil, errors.New("task_descriptor_missing_type")
	}
	if td.FreshnessSLA < 0 {
		return nil, errors.New("task_descriptor_invalid_freshness")
	}
	for _, tag := range td.CapabilityTags {
		if strings.TrimSpace(tag) == "" {
			return nil, errors.New("task_descriptor_empty_capability_tag")
		}
	}
	return &td, nil
}

// checkBlob enforces the size cap and the forbidden-key scan on the whole
// tree, including nested objects inside arrays.
func checkBlob(raw []byte) error {
	if len(raw) > MaxBlobBytes {
		return ErrTooLarge
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("invalid: %w", err)
	}
	return walkKeys(tree)
}

func walkKeys(node any) error {
	switch typed := node.(type) {
	case map[string]any:
		for key, value := range typed {
			lowered := strings.ToLower(key)
			for _, fragment := range forbiddenKeyFragments {
				if strings.Contains(lowered, fragment) {
					return fmt.Errorf("%w: %s", ErrForbiddenKey, key)
				}
			}
			if err := walkKeys(value); err != nil {
				return err
			}
		}
	case []any:
		for _, value := range typed {
			if err := walkKeys(value); err != nil {
				return err
			}
		}
	}
	return nil
}
