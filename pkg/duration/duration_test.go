package duration

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestUnmarshalYAML(t *testing.T) {
	var cfg struct {
		Interval Duration `yaml:"interval"`
	}
	if err := yaml.Unmarshal([]byte("interval: 1h30m"), &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Interval.Duration() != 90*time.Minute {
		t.Errorf("expected 90m, got %s", cfg.Interval)
	}
}

func TestUnmarshalYAML_Invalid(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`"not a duration"`), &d); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(Duration(30 * time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "30s\n" {
		t.Errorf("expected 30s, got %q", out)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{`"30s"`, 30 * time.Second},
		{`"5m"`, 5 * time.Minute},
		{`1000000000`, time.Second},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.input), &d); err != nil {
			t.Errorf("unmarshal %s: %v", tt.input, err)
			continue
		}
		if d.Duration() != tt.want {
			t.Errorf("unmarshal %s: expected %s, got %s", tt.input, tt.want, d)
		}
	}

	out, err := json.Marshal(Duration(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `"1m0s"` {
		t.Errorf("expected \"1m0s\", got %s", out)
	}
}

func TestOr(t *testing.T) {
	if got := Duration(0).Or(time.Minute); got != time.Minute {
		t.Errorf("expected fallback, got %s", got)
	}
	if got := Duration(time.Second).Or(time.Minute); got != time.Second {
		t.Errorf("expected own value, got %s", got)
	}
}
