package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// unmarshalers turn a non-JSON document into a generic tree. JSON itself is
// decoded directly.
var unmarshalers = map[string]func([]byte) (any, error){
	".yaml": fromYAML,
	".yml":  fromYAML,
	".toml": fromTOML,
}

func fromYAML(b []byte) (any, error) {
	var v any
	err := yaml.Unmarshal(b, &v)
	return v, err
}

func fromTOML(b []byte) (any, error) {
	v := map[string]any{}
	_, err := toml.NewDecoder(bytes.NewReader(b)).Decode(&v)
	return v, err
}

// Decode picks the format from the file extension (JSON when unknown) and
// decodes strictly. Unknown keys and trailing content are errors.
func Decode(path string, data []byte) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	format := "json"
	if conv, ok := unmarshalers[ext]; ok {
		format = strings.TrimPrefix(ext, ".")
		tree, err := conv(data)
		if err != nil {
			return nil, fmt.Errorf("%s config: %w", format, err)
		}
		if data, err = json.Marshal(jsonSafe(tree)); err != nil {
			return nil, fmt.Errorf("%s config: %w", format, err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s config: unexpected content after document", format)
	}
	return &cfg, nil
}

// jsonSafe rewrites what encoding/json cannot take: non-string map keys
// and TOML datetimes.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = jsonSafe(e)
		}
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonSafe(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = jsonSafe(e)
		}
	case []map[string]any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			out = append(out, jsonSafe(e))
		}
		return out
	case time.Time:
		return t.Format(time.RFC3339Nano)
	}
	return v
}

// hashConfig fingerprints the decoded config; 0 means unknown.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}

// parseDuration reads an optional duration field. Blank is zero; negative
// values are rejected. field prefixes the error, e.g. "host.poll_interval".
func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration", field, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// DurationOr is parseDuration with def standing in for blank or zero.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
