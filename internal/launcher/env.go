package launcher

import (
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/hawkeye-speaks/DRIS1/internal/config"
)

// buildArgs returns the HM6 argument list. Only the query and foundation
// selector go here; credentials travel in the environment.
func buildArgs(req Request) []string {
	args := []string{"-query", req.Query}
	if req.Foundation > 0 {
		args = append(args, "-foundation", strconv.Itoa(req.Foundation))
	}
	return args
}

// buildEnv filters the parent environment down to the pass-through and
// credential allow lists and adds the session identifiers. Output is sorted
// by key.
func buildEnv(environ []string, cfg config.HM6Config, req Request) []string {
	allowed := lo.Uniq(append(append([]string(nil), cfg.PassEnv...), cfg.CredentialEnv...))

	parent := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		parent[k] = v
	}

	env := lo.FilterMap(allowed, func(k string, _ int) (string, bool) {
		v, ok := parent[k]
		return k + "=" + v, ok
	})
	env = append(env, "HM6_SESSION_ID="+req.SessionID)
	if req.UserID != "" {
		env = append(env, "HM6_USER_ID="+req.UserID)
	}
	sort.Strings(env)
	return env
}
