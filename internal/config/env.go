package config

import (
	"hash/fnv"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Variables already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		existing = append(existing, p)
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// expandEnv replaces ${VAR} references with environment values. Bare $VAR is
// left alone so passwords containing '$' survive.
func expandEnv(b []byte) []byte {
	s := string(b)
	if !strings.Contains(s, "${") {
		return b
	}
	var out strings.Builder
	out.Grow(len(s))
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			out.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:i])
		name, def, hasDef := strings.Cut(s[i+2:i+j], ":-")
		v, ok := os.LookupEnv(strings.TrimSpace(name))
		if (!ok || v == "") && hasDef {
			v = def
		}
		out.WriteString(v)
		s = s[i+j+1:]
	}
	return []byte(out.String())
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
