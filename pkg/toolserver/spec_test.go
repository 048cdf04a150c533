package toolserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSpecs(t *testing.T) {
	specs := DefaultSpecs("/srv/officeagent")

	require.Len(t, specs, 3)
	assert.Equal(t, "gmail", specs[0].Name)
	assert.Equal(t, "uv", specs[0].Command)
	assert.Equal(t, []string{"run", "/srv/officeagent/gmail/server.py"}, specs[0].Args)
	assert.Equal(t, "call_agent", specs[2].Name)
	assert.Equal(t, "/srv/officeagent/thecallagent/server.py", specs[2].Args[1])
	for _, s := range specs {
		assert.NoError(t, s.Validate())
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "gmail"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gmail", "server.py"), []byte(""), 0644))

	manifest := `
servers:
  - name: gmail
    command: uv
    args: ["run", "gmail/server.py"]
    env:
      GMAIL_LABEL: INBOX
  - name: calendar
    transport: stdio
    command: /opt/calendar-server
    baseline: [PATH]
`
	path := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))

	specs, err := LoadManifest(path)

	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, TransportStdio, specs[0].Transport)
	assert.Equal(t, filepath.Join(dir, "gmail", "server.py"), specs[0].Args[1])
	assert.Equal(t, "INBOX", specs[0].Env["GMAIL_LABEL"])
	assert.Equal(t, []string{"PATH"}, specs[1].Baseline)
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"empty", "servers: []"},
		{"missing command", "servers:\n  - name: gmail\n"},
		{"duplicate", "servers:\n  - {name: gmail, command: uv}\n  - {name: gmail, command: uv}\n"},
		{"bad transport", "servers:\n  - {name: gmail, command: uv, transport: http}\n"},
		{"invalid yaml", "servers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "servers.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.manifest), 0644))

			_, err := LoadManifest(path)
			assert.Error(t, err)
		})
	}
}

func TestResolveSpecsFallsBackToDefaults(t *testing.T) {
	specs, err := ResolveSpecs("", "/base")

	require.NoError(t, err)
	assert.Len(t, specs, 3)
}

func TestCommandLauncherMissingCommand(t *testing.T) {
	_, err := CommandLauncher{}.Launch(context.Background(), Spec{Name: "gmail", Command: "definitely-not-a-real-binary-xyz"}, nil)
	assert.Error(t, err)
}
