// Package auth validates OIDC bearer tokens against the issuer's JWKS and
// derives session-cookie keys from the configured secret. It carries no HTTP
// routing; the API layer wires the validator into its middleware.
package auth

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// DirectGrantConfig controls the password grant used by the UI login
// endpoint. Disabled unless explicitly enabled.
type DirectGrantConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret *string
}

// OIDCConfig is the validated `auth.oidc` section of the runtime config.
type OIDCConfig struct {
	Enabled            bool
	IssuerURL          string
	Audience           *string
	ActorIDClaim       string
	RolesClaim         string
	RoleNameMap        map[string]string
	AcceptedAlgorithms []string
	LeewaySeconds      int
	HTTPTimeoutSeconds int
	DirectGrant        DirectGrantConfig
}

// SessionConfig is the validated `auth.session` section. An empty secret
// disables cookie sessions; bearer tokens keep working.
type SessionConfig struct {
	CookieName string
	Secret     string
	TTLMinutes int
}

// Config bundles both auth sections.
type Config struct {
	OIDC    OIDCConfig
	Session SessionConfig
}

type yamlDirectGrant struct {
	Enabled      *bool   `yaml:"enabled"`
	ClientID     *string `yaml:"client_id"`
	ClientSecret *string `yaml:"client_secret"`
}

type yamlOIDC struct {
	Enabled            *bool             `yaml:"enabled"`
	IssuerURL          *string           `yaml:"issuer_url"`
	Audience           *string           `yaml:"audience"`
	ActorIDClaim       *string           `yaml:"actor_id_claim"`
	RolesClaim         *string           `yaml:"roles_claim"`
	RoleNameMap        map[string]string `yaml:"role_name_map"`
	AcceptedAlgorithms []string          `yaml:"accepted_algorithms"`
	LeewaySeconds      *int              `yaml:"leeway_seconds"`
	HTTPTimeoutSeconds *int              `yaml:"http_timeout_seconds"`
	DirectGrant        *yamlDirectGrant  `yaml:"direct_grant"`
}

type yamlSession struct {
	CookieName string `yaml:"cookie_name"`
	Secret     string `yaml:"secret"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type yamlAuth struct {
	OIDC    *yamlOIDC    `yaml:"oidc"`
	Session *yamlSession `yaml:"session"`
}

type yamlAuthDoc struct {
	Auth *yamlAuth `yaml:"auth"`
}

func configErr(format string, args ...any) error {
	return ieimerr.New(ieimerr.CodeConfigInvalid, format, args...)
}

// LoadConfig reads and validates the `auth` section of the runtime YAML.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "read auth config")
	}
	var doc yamlAuthDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, ieimerr.Wrap(ieimerr.CodeConfigInvalid, err, "parse auth config")
	}
	if doc.Auth == nil || doc.Auth.OIDC == nil {
		return nil, configErr("auth.oidc must be a mapping")
	}
	o := doc.Auth.OIDC

	if o.Enabled == nil {
		return nil, configErr("auth.oidc.enabled must be a boolean")
	}
	if o.IssuerURL == nil || *o.IssuerURL == "" {
		return nil, configErr("auth.oidc.issuer_url must be a non-empty string")
	}
	if o.Audience != nil && *o.Audience == "" {
		return nil, configErr("auth.oidc.audience must be a non-empty string or null")
	}
	actorClaim := "sub"
	if o.ActorIDClaim != nil {
		if *o.ActorIDClaim == "" {
			return nil, configErr("auth.oidc.actor_id_claim must be a non-empty string")
		}
		actorClaim = *o.ActorIDClaim
	}
	if o.RolesClaim == nil || *o.RolesClaim == "" {
		return nil, configErr("auth.oidc.roles_claim must be a non-empty string")
	}
	if len(o.AcceptedAlgorithms) == 0 {
		return nil, configErr("auth.oidc.accepted_algorithms must not be empty")
	}
	for _, alg := range o.AcceptedAlgorithms {
		if alg == "" {
			return nil, configErr("auth.oidc.accepted_algorithms must be a list of non-empty strings")
		}
	}
	if o.LeewaySeconds == nil || *o.LeewaySeconds < 0 {
		return nil, configErr("auth.oidc.leeway_seconds must be >= 0")
	}
	if o.HTTPTimeoutSeconds == nil || *o.HTTPTimeoutSeconds <= 0 {
		return nil, configErr("auth.oidc.http_timeout_seconds must be > 0")
	}
	if o.DirectGrant == nil {
		return nil, configErr("auth.oidc.direct_grant must be a mapping")
	}
	dg := o.DirectGrant
	if dg.Enabled == nil {
		return nil, configErr("auth.oidc.direct_grant.enabled must be a boolean")
	}
	if dg.ClientID == nil || *dg.ClientID == "" {
		return nil, configErr("auth.oidc.direct_grant.client_id must be a non-empty string")
	}
	if dg.ClientSecret != nil && *dg.ClientSecret == "" {
		return nil, configErr("auth.oidc.direct_grant.client_secret must be a non-empty string or null")
	}
	if *o.Enabled && strings.EqualFold(*o.IssuerURL, "disabled") {
		return nil, configErr("auth.oidc.enabled=true requires a real auth.oidc.issuer_url")
	}

	roleMap := o.RoleNameMap
	if roleMap == nil {
		roleMap = map[string]string{}
	}

	cfg := &Config{
		OIDC: OIDCConfig{
			Enabled:            *o.Enabled,
			IssuerURL:          *o.IssuerURL,
			Audience:           o.Audience,
			ActorIDClaim:       actorClaim,
			RolesClaim:         *o.RolesClaim,
			RoleNameMap:        roleMap,
			AcceptedAlgorithms: o.AcceptedAlgorithms,
			LeewaySeconds:      *o.LeewaySeconds,
			HTTPTimeoutSeconds: *o.HTTPTimeoutSeconds,
			DirectGrant: DirectGrantConfig{
				Enabled:      *dg.Enabled,
				ClientID:     *dg.ClientID,
				ClientSecret: dg.ClientSecret,
			},
		},
	}
	if doc.Auth.Session != nil {
		s := doc.Auth.Session
		if s.TTLMinutes < 0 {
			return nil, configErr("auth.session.ttl_minutes must be >= 0")
		}
		cfg.Session = SessionConfig{
			CookieName: s.CookieName,
			Secret:     s.Secret,
			TTLMinutes: s.TTLMinutes,
		}
	}
	if cfg.Session.CookieName == "" {
		cfg.Session.CookieName = DefaultSessionCookieName
	}
	if cfg.Session.TTLMinutes == 0 {
		cfg.Session.TTLMinutes = 480
	}
	return cfg, nil
}
