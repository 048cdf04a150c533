package toolserver

import "os"

const (
	EnvAccessToken = "GOOGLE_ACCESS_TOKEN"
	EnvUserID      = "USER_ID"
)

// DefaultBaseline is the set of parent variables a tool server inherits.
var DefaultBaseline = []string{"PATH", "HOME", "LANG", "TMPDIR"}

// BuildEnv returns a fresh environment for one tool server process: the
// whitelisted baseline from the parent, the server's overlay, then the user's
// token and id. Nothing else from the parent leaks through.
func BuildEnv(spec Spec, baseline []string, userID, accessToken string) []string {
	return buildEnv(spec, baseline, userID, accessToken, os.LookupEnv)
}

func buildEnv(spec Spec, baseline []string, userID, accessToken string, lookup func(string) (string, bool)) []string {
	if len(spec.Baseline) > 0 {
		baseline = spec.Baseline
	}

	vars := make(map[string]string, len(baseline)+len(spec.Env)+2)
	order := make([]string, 0, len(baseline)+len(spec.Env)+2)
	set := func(key, value string) {
		if _, ok := vars[key]; !ok {
			order = append(order, key)
		}
		vars[key] = value
	}

	for _, key := range baseline {
		if value, ok := lookup(key); ok {
			set(key, value)
		}
	}
	for key, value := range spec.Env {
		set(key, value)
	}
	set(EnvAccessToken, accessToken)
	set(EnvUserID, userID)

	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, key+"="+vars[key])
	}
	return env
}
