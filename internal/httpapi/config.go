package httpapi

// actionTimeout bounds how long a blocking start or stop request waits, in
// seconds. Zero means the request waits until the action settles or the
// client goes away; the action itself is never canceled by this bound.
var actionTimeout = int64(0)

// SetActionTimeoutSeconds sets the action wait bound in seconds (0 disables).
func SetActionTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	actionTimeout = sec
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
