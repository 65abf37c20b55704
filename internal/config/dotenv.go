package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv reads a .env-style file and sets variables into the process env.
// Lines starting with '#' are comments; "export KEY=VALUE" and quoted values
// are accepted. Existing env vars are preserved unless override is true.
func LoadDotEnv(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		val := strings.TrimSpace(line[i+1:])
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		if !override {
			if _, ok := os.LookupEnv(key); ok {
				continue
			}
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// LoadDotEnvDefault loads <installRoot>/.env if present so feed credentials
// (e.g. ROLLKEEPER_FEED_TOKEN) can live next to the install. Missing files are
// ignored; existing env vars win.
func LoadDotEnvDefault(installRoot string) {
	p := filepath.Join(installRoot, ".env")
	if st, err := os.Stat(p); err == nil && !st.IsDir() {
		_ = LoadDotEnv(p, false)
	}
}
