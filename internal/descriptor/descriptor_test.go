package descriptor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDescriptor(t *testing.T) {
	raw := []byte(`{
		"schema_version": "v1",
		"type": "price_check",
		"capability_tags": ["browser", "geo:us"],
		"input_spec": {"url": "https://shop.example/item/42"},
		"output_spec": {"required_artifacts": ["screenshot"]},
		"freshness_sla_sec": 3600
	}`)
	td, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "price_check", td.Type)
	require.Equal(t, []string{"browser", "geo:us"}, td.CapabilityTags)
	require.Equal(t, []string{"screenshot"}, td.OutputSpec.RequiredArtifacts)
	require.Equal(t, 3600, td.FreshnessSLA)
}

func TestParseDescriptorEmptyIsOptional(t *testing.T) {
	td, err := Parse(nil)
	require.NoError(t, err)
	require.Nil(t, td)
}

func TestParseDescriptorRejections(t *testing.T) {
	cases := map[string]string{
		"wrong version": `{"schema_version": "v2", "type": "price_check"}`,
		"missing type":  `{"schema_version": "v1", "type": "  "}`,
		"bad freshness": `{"schema_version": "v1", "type": "x", "freshness_sla_sec": -1}`,
		"empty cap tag": `{"schema_version": "v1", "type": "x", "capability_tags": [" "]}`,
		"not json":      `{"schema_version"`,
	}
	for name, raw := range cases {
		_, err := Parse([]byte(raw))
		require.Error(t, err, name)
	}
}

func TestParseDescriptorSizeCap(t *testing.T) {
	padding := strings.Repeat("a", MaxBlobBytes)
	_, err := Parse([]byte(`{"schema_version": "v1", "type": "x", "input_spec": {"pad": "` + padding + `"}}`))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestForbiddenKeysScannedDeep(t *testing.T) {
	cases := []string{
		`{"schema_version": "v1", "type": "x", "input_spec": {"api_token": "abc"}}`,
		`{"schema_version": "v1", "type": "x", "input_spec": {"auth": {"Password": "abc"}}}`,
		`{"schema_version": "v1", "type": "x", "input_spec": {"list": [{"client_secret": "abc"}]}}`,
	}
	for _, raw := range cases {
		_, err := Parse([]byte(raw))
		require.ErrorIs(t, err, ErrForbiddenKey, raw)
	}
}

func TestParseManifest(t *testing.T) {
	raw := []byte(`{
		"manifestVersion": "v1.0",
		"finalUrl": "https://shop.example/item/42",
		"worker": {"workerId": "w1", "skillVersion": "1.2.0", "fingerprint": "fp"},
		"result": {
			"outcome": "mismatch",
			"severity": "medium",
			"expected": "$19.99",
			"observed": "$24.99",
			"reproConfidence": 0.9
		},
		"reproSteps": ["open page", "read price"]
	}`)
	m, err := ParseManifest(raw)
	require.NoError(t, err)
	require.Equal(t, "mismatch", m.Result.Outcome)
	require.Equal(t, "$24.99", m.Result.Observed)
	require.Equal(t, "https://shop.example/item/42", m.FinalURL)
}

func TestParseManifestRejections(t *testing.T) {
	_, err := ParseManifest(nil)
	require.Error(t, err)

	_, err = ParseManifest([]byte(`{"manifestVersion": "v2.0", "result": {"outcome": "match"}}`))
	require.Error(t, err)

	_, err = ParseManifest([]byte(`{"manifestVersion": "v1.0", "result": {"outcome": ""}}`))
	require.Error(t, err)

	_, err = ParseManifest([]byte(`{"manifestVersion": "v1.0", "result": {"outcome": "match"}, "session_token": "x"}`))
	require.ErrorIs(t, err, ErrForbiddenKey)
}
