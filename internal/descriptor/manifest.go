package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ManifestVersion is the only proof-pack manifest version this service accepts.
const ManifestVersion = "v1.0"

// Manifest is the typed view of a worker's proof pack.
type Manifest struct {
	ManifestVersion string         `json:"manifestVersion"`
	JobID           string         `json:"jobId"`
	BountyID        string         `json:"bountyId"`
	FinalURL        string         `json:"finalUrl,omitempty"`
	Worker          ManifestWorker `json:"worker"`
	Result          ManifestResult `json:"result"`
	ReproSteps      []string       `json:"reproSteps"`
	Artifacts       []string       `json:"artifacts"`
	SuggestedChange string         `json:"suggestedChange,omitempty"`
}

// ManifestWorker identifies the submitting worker environment.
type ManifestWorker struct {
	WorkerID     string `json:"workerId"`
	SkillVersion string `json:"skillVersion"`
	Fingerprint  string `json:"fingerprint"`
}

// ManifestResult carries the observed outcome.
type ManifestResult struct {
	Outcome         string  `json:"outcome"`
	FailureType     string  `json:"failureType,omitempty"`
	Severity        string  `json:"severity"`
	Expected        string  `json:"expected"`
	Observed        string  `json:"observed"`
	ReproConfidence float64 `json:"reproConfidence"`
}

// ParseManifest validates a raw manifest blob and returns the typed view.
func ParseManifest(raw []byte) (*Manifest, error) {
	if len(raw) == 0 {
		return nil, errors.New("manifest_required")
	}
	if err := checkBlob(raw); err != nil {
		return nil, err
	}
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest_invalid: %w", err)
	}
	if m.ManifestVersion != ManifestVersion {
		return nil, fmt.Errorf("manifest_unsupported_version: %q", m.ManifestVersion)
	}
	if strings.TrimSpace(m.Result.Outcome) == "" {
		return nil, errors.New("manifest_missing_outcome")
	}
	return &m, nil
}
