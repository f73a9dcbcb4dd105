package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by Marshal.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

// ValidFormats returns the formats accepted by Marshal
func ValidFormats() []string {
	return []string{FormatYAML, FormatTOML, FormatJSON}
}

const redacted = "********"

// Effective returns every setting known to v (defaults, file, env) with
// secrets redacted.
func Effective(v *viper.Viper) map[string]any {
	settings := v.AllSettings()
	redact(settings)
	return settings
}

func redact(m map[string]any) {
	for k, val := range m {
		switch typed := val.(type) {
		case map[string]any:
			redact(typed)
		case string:
			if strings.HasSuffix(k, "api_key") && typed != "" {
				m[k] = redacted
			}
		}
	}
}

// Marshal renders settings in the given format.
func Marshal(settings map[string]any, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatYAML, "yml", "":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatTOML:
		return toml.Marshal(settings)
	case FormatJSON:
		out, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want one of: %s)", format, strings.Join(ValidFormats(), ", "))
	}
}
