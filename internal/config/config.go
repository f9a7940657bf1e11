package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is the runtime configuration the auth core consumes but does not
// own. It is read once at startup; the orchestrator reads its flags exactly
// once per initialization pass.
type Config interface {
	GetAppName() string
	GetPort() string

	// Backend selection flags.
	GetGatewayEnabled() bool
	GetFallbackEnabled() bool

	GetGatewayBaseURL() string
	GetFallbackBaseURL() string
	GetFallbackAPIKey() string

	GetOAuthClientID() string
	GetLoginRedirectURI() string
	GetLegacyCredentialsFile() string
}

type envVars struct {
	AppName          string `env:"APP_NAME" envDefault:"MaaS Dashboard"`
	Port             string `env:"PORT" envDefault:"8080"`
	GatewayEnabled   bool   `env:"GATEWAY_AUTH_ENABLED" envDefault:"true"`
	FallbackEnabled  bool   `env:"FALLBACK_AUTH_ENABLED" envDefault:"true"`
	GatewayBaseURL   string `env:"GATEWAY_BASE_URL" envDefault:"https://api.lanonasis.com"`
	FallbackBaseURL  string `env:"FALLBACK_AUTH_URL"`
	FallbackAPIKey   string `env:"FALLBACK_AUTH_KEY"`
	OAuthClientID    string `env:"OAUTH_CLIENT_ID" envDefault:"maas-dashboard"`
	LoginRedirectURI string `env:"LOGIN_REDIRECT_URI"`
	LegacyCredsFile  string `env:"LEGACY_CREDENTIALS_FILE"`
}

var _ Config = (*envVars)(nil)

// New parses configuration from the environment.
func New() (Config, error) {
	var v envVars
	if err := env.Parse(&v); err != nil {
		return nil, errors.Wrap(err, "[config.New] parse env")
	}
	return &v, nil
}

func (v *envVars) GetAppName() string               { return v.AppName }
func (v *envVars) GetPort() string                  { return ":" + v.Port }
func (v *envVars) GetGatewayEnabled() bool          { return v.GatewayEnabled }
func (v *envVars) GetFallbackEnabled() bool         { return v.FallbackEnabled }
func (v *envVars) GetGatewayBaseURL() string        { return v.GatewayBaseURL }
func (v *envVars) GetFallbackBaseURL() string       { return v.FallbackBaseURL }
func (v *envVars) GetFallbackAPIKey() string        { return v.FallbackAPIKey }
func (v *envVars) GetOAuthClientID() string         { return v.OAuthClientID }
func (v *envVars) GetLoginRedirectURI() string      { return v.LoginRedirectURI }
func (v *envVars) GetLegacyCredentialsFile() string { return v.LegacyCredsFile }
