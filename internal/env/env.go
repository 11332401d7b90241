// Package env composes the environment handed to systemctl and pm2.
package env

import (
	"os"
	"sort"
	"strings"
)

// Compose returns base with overrides applied, as sorted "K=V" pairs.
// Override values may reference ${VAR} from base or earlier overrides, e.g.
// PM2_HOME=${HOME}/.pm2. Entries without '=' or with an empty key are
// ignored.
func Compose(base, overrides []string) []string {
	m := toMap(base)
	for _, kv := range overrides {
		k, v, ok := split(kv)
		if !ok {
			continue
		}
		m[k] = expand(v, m)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// FromOS is Compose over the current process environment. With no overrides
// it returns nil so children simply inherit.
func FromOS(overrides []string) []string {
	if len(overrides) == 0 {
		return nil
	}
	return Compose(os.Environ(), overrides)
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func toMap(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	return m
}

// expand replaces ${VAR} once; unknown variables become empty.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
}
