package procmeta

import "strings"

// ProcessMetadata is what events are enriched with for a given pid.
type ProcessMetadata struct {
	Comm    string            // Task name
	Args    []string          // Command-line arguments
	Cmdline string            // Full command line as a single string
	Environ map[string]string // Parsed environment variables
}

// parseEnviron turns KEY=VALUE entries into a map. Entries without a key are
// skipped and the last duplicate wins.
func parseEnviron(raw []string) map[string]string {
	env := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

func parseCmdline(raw []string) ([]string, string) {
	return raw, strings.Join(raw, " ")
}
