package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/snapflow/internal/filelock"
	"github.com/kingrea/snapflow/internal/task"
)

// LoadParamsFile reads a YAML file keyed by sample name and returns the
// params of one sample. An empty sample is accepted when the file holds
// exactly one.
func LoadParamsFile(path, sample string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read params %s: %w", path, err)
	}
	var samples map[string]Params
	if err := yaml.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("workflow: parse params %s: %w", path, err)
	}
	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)
	if sample == "" {
		if len(names) != 1 {
			return nil, fmt.Errorf("workflow: params %s holds %d samples, choose one of: %s", path, len(names), strings.Join(names, ", "))
		}
		sample = names[0]
	}
	params, ok := samples[sample]
	if !ok {
		return nil, fmt.Errorf("workflow: sample %q not in %s, choose one of: %s", sample, path, strings.Join(names, ", "))
	}
	if params == nil {
		params = Params{}
	}
	return params, nil
}

// ParseParamFlags turns key=value pairs into params.
func ParseParamFlags(pairs []string) (Params, error) {
	out := Params{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("workflow: param %q must be key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// ParamsPath is where the effective params of a sample are recorded.
func ParamsPath(results, sample string) string {
	return filepath.Join(results, task.Slug(sample)+"_params.yaml")
}

// WriteParams records params at path while holding the advisory lock, so
// concurrent runs sharing a results directory do not interleave writes.
func WriteParams(ctx context.Context, path string, params Params) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("workflow: ensure params dir: %w", err)
	}
	encoded, err := yaml.Marshal(map[string]string(params))
	if err != nil {
		return fmt.Errorf("workflow: encode params: %w", err)
	}
	return filelock.With(ctx, path, func() error {
		if err := os.WriteFile(path, encoded, 0o644); err != nil {
			return fmt.Errorf("workflow: write params %s: %w", path, err)
		}
		return nil
	})
}
