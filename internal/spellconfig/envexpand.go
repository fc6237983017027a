package spellconfig

import (
	"log/slog"
	"os"
	"regexp"
)

// envVarRe matches ${NAME} where NAME is [A-Z_][A-Z0-9_]* case-insensitive.
// It intentionally does not recurse into nested matches: only the
// innermost ${...} in a string like ${OUTER${INNER}} is substituted,
// leaving the outer marker malformed. This is documented, preserved
// behavior (§4.5.1, §9), not an oversight.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnvVar replaces every ${NAME} occurrence in s with the process
// environment variable of that name, or the empty string (with a logged
// warning) if it is unset. Non-matching text is preserved verbatim.
func ExpandEnvVar(s string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			logger.Warn("env var expansion: variable not set", "name", name)
			return ""
		}
		return val
	})
}
