package toolserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fakeLookup(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestBuildEnvMinimal(t *testing.T) {
	parent := fakeLookup(map[string]string{
		"PATH":           "/usr/bin",
		"HOME":           "/home/svc",
		"AWS_SECRET_KEY": "nope",
	})

	env := buildEnv(Spec{Name: "gmail"}, DefaultBaseline, "alice", "tok", parent)

	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"HOME=/home/svc",
		"GOOGLE_ACCESS_TOKEN=tok",
		"USER_ID=alice",
	}, env)
}

func TestBuildEnvOverlayAndSpecBaseline(t *testing.T) {
	parent := fakeLookup(map[string]string{"PATH": "/usr/bin", "TZ": "UTC"})
	spec := Spec{
		Name:     "calendar",
		Env:      map[string]string{"CALENDAR_ID": "primary"},
		Baseline: []string{"TZ"},
	}

	env := buildEnv(spec, DefaultBaseline, "alice", "tok", parent)

	assert.Contains(t, env, "TZ=UTC")
	assert.Contains(t, env, "CALENDAR_ID=primary")
	assert.NotContains(t, env, "PATH=/usr/bin")
}

func TestBuildEnvReturnsFreshSlices(t *testing.T) {
	spec := Spec{Name: "gmail", Env: map[string]string{"A": "1"}}

	first := buildEnv(spec, nil, "alice", "a", fakeLookup(nil))
	second := buildEnv(spec, nil, "bob", "b", fakeLookup(nil))
	first[0] = "MUTATED=1"

	assert.Contains(t, second, "A=1")
	assert.Contains(t, second, "USER_ID=bob")
	assert.Equal(t, map[string]string{"A": "1"}, spec.Env)
}

func TestBuildEnvIdentityWins(t *testing.T) {
	parent := fakeLookup(map[string]string{"USER_ID": "root"})

	env := buildEnv(Spec{Name: "gmail"}, []string{"USER_ID"}, "alice", "tok", parent)

	assert.Contains(t, env, "USER_ID=alice")
	assert.NotContains(t, env, "USER_ID=root")
}
