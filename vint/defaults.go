// Package vint holds the application-wide defaults shared by the
// voice interview packages.
package vint

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultAppName = "vint"

	// DefaultLocale is the single locale used for recognition and synthesis.
	DefaultLocale = "fr-FR"

	DefaultListenAddr = ":8080"
	DefaultChatPath   = "/chat"
	DefaultWSPath     = "/ws"

	// DefaultCredentialEnv names the environment variable holding the
	// upstream provider key. It is read on every request.
	DefaultCredentialEnv = "GROQ_API_KEY"
	DefaultUpstreamURL   = "https://api.groq.com/openai/v1"
	DefaultUpstreamModel = "llama-3.3-70b-versatile"
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 300

	DefaultSilenceTimeout = 2 * time.Second
	DefaultErrorDisplay   = 4 * time.Second
)

// DefaultConfigPath is the per-user configuration directory.
var DefaultConfigPath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", DefaultAppName)
	}
	return filepath.Join(home, ".config", DefaultAppName)
}()

// DefaultCompletionURL is where the orchestrator reaches the proxy when both
// run in the same process.
var DefaultCompletionURL = "http://127.0.0.1" + DefaultListenAddr + DefaultChatPath
