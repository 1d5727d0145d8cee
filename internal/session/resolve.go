package session

import (
	"os"

	"github.com/matheus3301/towtrack/internal/config"
)

const DefaultProfileName = "main"

// ProfileEnv selects the profile when no flag is given.
const ProfileEnv = "TOWTRACK_PROFILE"

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. $TOWTRACK_PROFILE
// 3. config.toml default_profile
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(ProfileEnv); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
