package toolserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TransportStdio is the only supported transport.
const TransportStdio = "stdio"

// Spec describes how to launch the tool server for one capability domain.
type Spec struct {
	Name      string            `yaml:"name" json:"name"`
	Transport string            `yaml:"transport" json:"transport"`
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// Baseline lists parent environment variables copied into the child.
	// Empty means the orchestrator's default baseline.
	Baseline []string `yaml:"baseline,omitempty" json:"baseline,omitempty"`
}

// Validate checks that the spec can be launched.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("tool server name is required")
	}
	if s.Transport != "" && s.Transport != TransportStdio {
		return fmt.Errorf("tool server %s: unsupported transport %q", s.Name, s.Transport)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("tool server %s: command is required", s.Name)
	}
	for key := range s.Env {
		if key == EnvAccessToken || key == EnvUserID {
			return fmt.Errorf("tool server %s: env may not override %s", s.Name, key)
		}
	}
	return nil
}

// Manifest is the on-disk list of tool servers.
type Manifest struct {
	Servers []Spec `yaml:"servers"`
}

// LoadManifest reads a YAML manifest. Relative paths in args are resolved
// against the manifest's directory when they name an existing file.
func LoadManifest(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool server manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse tool server manifest: %w", err)
	}
	if len(manifest.Servers) == 0 {
		return nil, fmt.Errorf("tool server manifest %s lists no servers", path)
	}

	base := filepath.Dir(path)
	seen := make(map[string]bool, len(manifest.Servers))
	specs := make([]Spec, 0, len(manifest.Servers))
	for _, spec := range manifest.Servers {
		if spec.Transport == "" {
			spec.Transport = TransportStdio
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate tool server %s in manifest", spec.Name)
		}
		seen[spec.Name] = true

		for i, arg := range spec.Args {
			if filepath.IsAbs(arg) || strings.HasPrefix(arg, "-") {
				continue
			}
			candidate := filepath.Join(base, arg)
			if _, err := os.Stat(candidate); err == nil {
				spec.Args[i] = candidate
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// defaultDomains maps each domain to its server directory.
var defaultDomains = []struct {
	name string
	dir  string
}{
	{name: "gmail", dir: "gmail"},
	{name: "calendar", dir: "calendar"},
	{name: "call_agent", dir: "thecallagent"},
}

// DefaultSpecs returns the mail, calendar and telephony servers laid out
// under baseDir, each started with `uv run <dir>/server.py`.
func DefaultSpecs(baseDir string) []Spec {
	specs := make([]Spec, 0, len(defaultDomains))
	for _, d := range defaultDomains {
		specs = append(specs, Spec{
			Name:      d.name,
			Transport: TransportStdio,
			Command:   "uv",
			Args:      []string{"run", filepath.Join(baseDir, d.dir, "server.py")},
		})
	}
	return specs
}

// ResolveSpecs returns the manifest's specs, or DefaultSpecs(baseDir) when
// no manifest is configured.
func ResolveSpecs(manifestPath, baseDir string) ([]Spec, error) {
	if manifestPath != "" {
		return LoadManifest(manifestPath)
	}
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine tool server base dir: %w", err)
		}
		baseDir = wd
	}
	return DefaultSpecs(baseDir), nil
}
