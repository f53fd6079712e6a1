// Package config loads dataserver settings from YAML files for the kong CLI.
package config

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong.ConfigurationLoader for YAML documents.
//
// Keys match flag names. Nested maps are joined with "-" and underscores are
// treated as dashes, so both of these set --archive-timeout:
//
//	archive_timeout: 5s
//
//	archive:
//	  timeout: 5s
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing yaml config: %w", err)
	}

	flat := map[string]string{}
	flatten("", values, flat)

	var f kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		if v, ok := flat[normalise(flag.Name)]; ok {
			return v, nil
		}
		return nil, nil
	}
	return f, nil
}

// Keys returns the flattened keys of a YAML document in sorted order.
func Keys(r io.Reader) ([]string, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing yaml config: %w", err)
	}
	flat := map[string]string{}
	flatten("", values, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := normalise(k)
		if prefix != "" {
			key = prefix + "-" + key
		}
		switch val := v.(type) {
		case nil:
		case map[string]any:
			flatten(key, val, out)
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func normalise(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", "-"))
}
