package config

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

func TestEffective_RedactsKeys(t *testing.T) {
	v := newViper(t, "providers:\n  openai:\n    api_key: sk-secret\n")
	settings := Effective(v)

	providers := settings["providers"].(map[string]any)
	openai := providers["openai"].(map[string]any)
	if openai["api_key"] != redacted {
		t.Errorf("api_key = %v, want redacted", openai["api_key"])
	}
	anthropic := providers["anthropic"].(map[string]any)
	if anthropic["api_key"] != "" {
		t.Errorf("empty api_key should stay empty, got %v", anthropic["api_key"])
	}
}

func TestMarshal_Formats(t *testing.T) {
	settings := Effective(newViper(t, ""))

	t.Run("yaml", func(t *testing.T) {
		out, err := Marshal(settings, "yaml")
		if err != nil {
			t.Fatal(err)
		}
		var back map[string]any
		if err := yaml.Unmarshal(out, &back); err != nil {
			t.Fatalf("output is not yaml: %v", err)
		}
		if _, ok := back["pool"]; !ok {
			t.Errorf("pool section missing from %s", out)
		}
	})

	t.Run("toml", func(t *testing.T) {
		out, err := Marshal(settings, "TOML")
		if err != nil {
			t.Fatal(err)
		}
		var back map[string]any
		if err := toml.Unmarshal(out, &back); err != nil {
			t.Fatalf("output is not toml: %v", err)
		}
		if !strings.Contains(string(out), "[commands]") {
			t.Errorf("commands table missing from %s", out)
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := Marshal(settings, "json")
		if err != nil {
			t.Fatal(err)
		}
		if !json.Valid(out) {
			t.Errorf("output is not json: %s", out)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := Marshal(settings, "xml"); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}
