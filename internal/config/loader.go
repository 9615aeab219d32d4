package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads the file at path into a merged raw map, resolving
// $include directives relative to each including file. Environment
// variables are expanded before parsing.
func LoadRaw(path string) (map[string]any, error) {
	raw, _, err := loadTracked(path)
	return raw, err
}

// Sources returns every file that contributes to the configuration at
// path, in the order they are read. The watcher uses this to cover
// included fragments as well as the root file.
func Sources(path string) ([]string, error) {
	_, files, err := loadTracked(path)
	return files, err
}

func loadTracked(path string) (map[string]any, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, fmt.Errorf("config path is required")
	}
	var files []string
	seen := map[string]bool{}
	raw, err := loadRecursive(path, seen, &files)
	return raw, files, err
}

func loadRecursive(path string, seen map[string]bool, files *[]string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	*files = append(*files, absPath)

	expanded := os.ExpandEnv(string(data))
	raw, err := parseRaw([]byte(expanded), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		incRaw, err := loadRecursive(inc, seen, files)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}

	// The including file wins over anything it pulled in.
	return mergeMaps(merged, raw), nil
}

func parseRaw(data []byte, pathHint string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single yaml document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// popIncludes removes the include directive from raw and returns its
// paths. Both "$include" and "include" are accepted, as a string or a
// list of strings.
func popIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var val any
	for _, key := range []string{includeKey, "include"} {
		if v, ok := raw[key]; ok {
			val = v
			delete(raw, key)
			break
		}
	}
	if val == nil {
		return nil, nil
	}

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRaw turns a merged raw map into a Config, rejecting fields the
// struct does not declare.
func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
