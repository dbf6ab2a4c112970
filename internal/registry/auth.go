package registry

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/microsandbox/msb/internal/msberr"
	"github.com/microsandbox/msb/internal/obs"
)

// Auth holds registry credentials, adapted from servin/pkg/registry/
// types.go's Auth struct (same username/password/token shape).
type Auth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

func (a Auth) isAnonymous() bool { return a.Username == "" && a.Password == "" && a.Token == "" }

// ExplicitAuth is what a caller (e.g. the CLI's credential-helper
// collaborator) may pass in directly: either {Token} or
// {Username, Password}, never mixed (spec.md §4.1).
type ExplicitAuth struct {
	Token    string
	Username string
	Password string
}

func (e ExplicitAuth) validate() error {
	hasToken := e.Token != ""
	hasBasic := e.Username != "" || e.Password != ""
	if hasToken && hasBasic {
		return msberr.New(msberr.InvalidArgument, "explicit-auth", "token cannot be combined with username/password")
	}
	return nil
}

// credentialStore is the stored-credentials step of auth resolution
// (spec.md §4.1 step 2). Credentials are kept in a 0600 JSON file at
// <home>/credentials.json, directly adapted from servin/pkg/registry/
// client.go's LoginToRegistry/saveConfig persistence; no OS keychain is
// consulted on any platform.
type credentialStore struct {
	path string
}

func newCredentialStore(homeDir string) *credentialStore {
	return &credentialStore{path: filepath.Join(homeDir, "credentials.json")}
}

func (c *credentialStore) get(host string) (Auth, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Auth{}, false
	}
	var creds map[string]Auth
	if err := json.Unmarshal(data, &creds); err != nil {
		return Auth{}, false
	}
	a, ok := creds[host]
	return a, ok && !a.isAnonymous()
}

func (c *credentialStore) set(host string, auth Auth) error {
	creds := map[string]Auth{}
	if data, err := os.ReadFile(c.path); err == nil {
		_ = json.Unmarshal(data, &creds)
	}
	creds[host] = auth

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return msberr.Wrap(err, msberr.IO, "credential-store-set", host)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return msberr.Wrap(err, msberr.IO, "credential-store-set", host)
	}
	return os.WriteFile(c.path, data, 0o600)
}

// envAuth resolves MSB_REGISTRY_TOKEN / MSB_REGISTRY_USERNAME /
// MSB_REGISTRY_PASSWORD per spec.md §4.1 and §6. Incomplete basic-auth
// pairs (only username or only password) log a warning and fall through to
// the next resolution step rather than failing outright.
func envAuth() (Auth, error) {
	token := os.Getenv("MSB_REGISTRY_TOKEN")
	username := os.Getenv("MSB_REGISTRY_USERNAME")
	password := os.Getenv("MSB_REGISTRY_PASSWORD")

	if token != "" && (username != "" || password != "") {
		return Auth{}, msberr.New(msberr.InvalidArgument, "env-auth", "token cannot be combined with username/password")
	}
	if token != "" {
		return Auth{Token: token}, nil
	}
	if username != "" && password != "" {
		return Auth{Username: username, Password: password}, nil
	}
	if username != "" || password != "" {
		obs.L().Warn("incomplete registry basic auth in environment (only one of username/password set); falling through")
	}
	return Auth{}, nil
}

// resolveAuth implements the ordered resolution of spec.md §4.1: env →
// stored credentials → anonymous.
func (c *Client) resolveAuth(host string, explicit *ExplicitAuth) (Auth, error) {
	if explicit != nil {
		if err := explicit.validate(); err != nil {
			return Auth{}, err
		}
		if explicit.Token != "" {
			return Auth{Token: explicit.Token}, nil
		}
		if explicit.Username != "" {
			return Auth{Username: explicit.Username, Password: explicit.Password}, nil
		}
	}

	env, err := envAuth()
	if err != nil {
		return Auth{}, err
	}
	if !env.isAnonymous() {
		return env, nil
	}

	if c.creds != nil {
		if stored, ok := c.creds.get(host); ok {
			return stored, nil
		}
	}

	return Auth{}, nil // anonymous
}
