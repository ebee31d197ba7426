package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax to avoid collision with $ in channel prefixes,
// passwords and connection strings:
//
//   - {{.REDIS_URL}} → value of REDIS_URL environment variable
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both variables expanded
//   - "p@ss$word" → preserved literally ($ not touched)
//
// Missing variables expand to empty string (unless the template is
// malformed). Validation should catch required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Content without valid template syntax passes through untouched;
		// the YAML parser produces the clearer error.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split only on the first = to handle values containing =.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
