package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOWTRACK_"

// Poll interval bounds accepted in a profile.
const (
	MinPollInterval = 1500 * time.Millisecond
	MaxPollInterval = 5 * time.Second
)

// Duration is a time.Duration that reads "3s" style text from TOML and env.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Profile is the per-profile daemon configuration in profile.toml.
type Profile struct {
	APIURL       string   `toml:"api_url" validate:"required,url"`
	ChatURL      string   `toml:"chat_url" validate:"required,url"`
	GeocoderURL  string   `toml:"geocoder_url,omitempty" validate:"omitempty,url"`
	Token        string   `toml:"token,omitempty"`
	UserID       string   `toml:"user_id" validate:"required"`
	Role         string   `toml:"role" validate:"oneof=customer provider"`
	PollInterval Duration `toml:"poll_interval,omitempty"`
	AutoJoin     bool     `toml:"auto_join"`
	LogLevel     string   `toml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultProfile returns the settings used where the file is silent.
func DefaultProfile() Profile {
	return Profile{
		APIURL:       "http://127.0.0.1:8780",
		ChatURL:      "ws://127.0.0.1:8780/ws",
		Role:         "customer",
		PollInterval: Duration{3 * time.Second},
		AutoJoin:     true,
		LogLevel:     "info",
	}
}

var validate = validator.New()

// LoadProfile reads profilePath, overlays envPath (a dotenv file) and then
// the process environment, and validates the result. Missing files are not
// an error.
func LoadProfile(profilePath, envPath string) (*Profile, error) {
	p := DefaultProfile()
	if _, err := toml.DecodeFile(profilePath, &p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", profilePath, err)
	}

	env := map[string]string{}
	if envPath != "" {
		fileEnv, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	if err := p.apply(env); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) apply(env map[string]string) error {
	strs := map[string]*string{
		"API_URL":      &p.APIURL,
		"CHAT_URL":     &p.ChatURL,
		"GEOCODER_URL": &p.GeocoderURL,
		"TOKEN":        &p.Token,
		"USER_ID":      &p.UserID,
		"ROLE":         &p.Role,
		"LOG_LEVEL":    &p.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := env[EnvPrefix+key]; ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := env[EnvPrefix+"POLL_INTERVAL"]; ok {
		if err := p.PollInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sPOLL_INTERVAL: %w", EnvPrefix, err)
		}
	}
	if v, ok := env[EnvPrefix+"AUTO_JOIN"]; ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sAUTO_JOIN: %w", EnvPrefix, err)
		}
		p.AutoJoin = b
	}
	return nil
}

// Validate checks field rules and the poll interval range.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return fmt.Errorf("invalid profile: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid profile: %w", err)
	}
	if d := p.PollInterval.Duration; d != 0 && (d < MinPollInterval || d > MaxPollInterval) {
		return fmt.Errorf("invalid profile: poll_interval %s outside [%s, %s]", d, MinPollInterval, MaxPollInterval)
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be a URL"
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fe.Error()
	}
}
