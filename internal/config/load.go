package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// Load reads, expands and validates the pipeline at path.
//
// Files ending in .yaml or .yml are YAML; anything else is TOML. Unknown
// keys are rejected in both formats.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline: %w", err)
	}
	return Parse(data, formatOf(path), os.Getenv)
}

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Parse decodes a pipeline and expands ${VAR} references with getenv.
//
// Only directories and env entries are expanded. Commands are left alone:
// the shell expands them when they run.
func Parse(data []byte, format Format, getenv func(string) string) (*Pipeline, error) {
	var p Pipeline
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &p)
		if err != nil {
			return nil, fmt.Errorf("parsing toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("parsing toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	if err := p.expand(getenv); err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline:\n%w", err)
	}
	return &p, nil
}

func (p *Pipeline) expand(getenv func(string) string) error {
	eval := func(s *string) error {
		v, err := envsubst.Eval(*s, getenv)
		if err != nil {
			return err
		}
		*s = v
		return nil
	}
	evalAll := func(ss []string) error {
		for i := range ss {
			if err := eval(&ss[i]); err != nil {
				return err
			}
		}
		return nil
	}

	if err := eval(&p.CacheDir); err != nil {
		return err
	}
	if err := eval(&p.StateDir); err != nil {
		return err
	}
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if err := eval(&t.WorkDir); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
		if err := evalAll(t.Env); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
		for j := range t.Steps {
			if err := evalAll(t.Steps[j].Env); err != nil {
				return fmt.Errorf("task %q: step %q: %w", t.Name, t.Steps[j].Name, err)
			}
		}
		for _, actions := range [][]Action{t.Payload, t.Verify} {
			for j := range actions {
				if err := evalAll(actions[j].Env); err != nil {
					return fmt.Errorf("task %q: action %q: %w", t.Name, actions[j].Run, err)
				}
			}
		}
	}
	return nil
}
