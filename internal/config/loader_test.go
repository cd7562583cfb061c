package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/vocalid/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
model:
  kind: mock
  dimensions: 8
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_HTTPModelRequiresURL(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  kind: http
  dimensions: 256
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for http model without url, got nil")
	}
	if !strings.Contains(err.Error(), "model.url") {
		t.Errorf("error should mention model.url, got: %v", err)
	}
}

func TestValidate_DimensionsMustBePositive(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  kind: mock
  dimensions: -3
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative dimensions, got nil")
	}
	if !strings.Contains(err.Error(), "dimensions") {
		t.Errorf("error should mention dimensions, got: %v", err)
	}
}

func TestValidate_ThresholdRange(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  kind: mock
  dimensions: 8
identify:
  threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold, got nil")
	}
	if !strings.Contains(err.Error(), "identify.threshold") {
		t.Errorf("error should mention identify.threshold, got: %v", err)
	}
}

func TestValidate_InvalidScope(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  kind: mock
  dimensions: 8
identify:
  scope: universe
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid scope, got nil")
	}
	if !strings.Contains(err.Error(), "identify.scope") {
		t.Errorf("error should mention identify.scope, got: %v", err)
	}
}

func TestValidate_ClusterBounds(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  kind: mock
  dimensions: 8
cluster:
  min_cluster_size: 1
  min_samples: 0
  max_intra_distance: 3.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for invalid cluster settings, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"min_cluster_size", "min_samples", "max_intra_distance"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/vocalid/cert.pem
model:
  kind: mock
  dimensions: 8
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key file, got nil")
	}
	if !strings.Contains(err.Error(), "server.tls") {
		t.Errorf("error should mention server.tls, got: %v", err)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
model:
  kind: mock
  dimensions: 8
identfy:
  threshold: 0.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for misspelled section, got nil")
	}
}

func TestValidModelKinds(t *testing.T) {
	t.Parallel()
	if len(config.ValidModelKinds) == 0 {
		t.Fatal("ValidModelKinds should not be empty")
	}
	found := false
	for _, k := range config.ValidModelKinds {
		if k == "http" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidModelKinds should contain \"http\"")
	}
}
