package helpers

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseKV transforms a simple format. Each line has a key value pair separated by :.
// Empty lines are ignored
func ParseKV(s string) map[string]string {
	m := make(map[string]string)

	for _, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		m[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	return m
}

// ParsePairs parses key:value pairs as given on the command line. Values are
// decoded as YAML scalars, so "3" becomes an int and "true" a bool.
func ParsePairs(pairs []string) (map[string]interface{}, error) {
	ret := map[string]interface{}{}
	for _, p := range pairs {
		if !strings.Contains(p, ":") {
			return nil, errors.Errorf("invalid pair %q, expected key:value", p)
		}
		for k, raw := range ParseKV(p) {
			if k == "" {
				return nil, errors.Errorf("invalid pair %q, key is empty", p)
			}
			var v interface{}
			if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
				v = raw
			}
			ret[k] = v
		}
	}
	return ret, nil
}
