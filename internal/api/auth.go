package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"intake/internal/config"
	"intake/internal/domain"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	permReadToken       = "read:token"
	permManagePartner   = "manage:partner"
	clientKeyUnknown    = "unknown"
)

var errPermissionDenied = errors.New("permission denied")

// HTTPAuth checks API keys on the operator endpoints. Public intake and
// webhook routes authenticate by other means and are not wrapped.
type HTTPAuth struct {
	cfg    config.APIAuthConfig
	header string
}

func NewHTTPAuth(cfg config.APIAuthConfig) *HTTPAuth {
	header := strings.TrimSpace(strings.ToLower(cfg.HeaderAPIKey))
	if header == "" {
		header = apiKeyHeaderDefault
	}
	return &HTTPAuth{cfg: cfg, header: header}
}

// Require wraps next with an API key check for permission.
func (a *HTTPAuth) Require(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next(w, r)
			return
		}
		if err := a.check(r, permission); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errPermissionDenied) {
				status = http.StatusForbidden
			}
			writeError(w, status, err.Error())
			return
		}
		next(w, r)
	}
}

func (a *HTTPAuth) check(r *http.Request, permission string) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header))
	if apiKey == "" {
		return errors.New("missing api key header")
	}

	client, ok := a.lookup(apiKey)
	if !ok {
		return domain.ErrAuthentication
	}
	return a.checkPermissions(client, permission)
}

// lookup compares against every configured key in constant time.
func (a *HTTPAuth) lookup(apiKey string) (config.APIClientKey, bool) {
	var (
		found config.APIClientKey
		ok    bool
	)
	for _, k := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(apiKey)) == 1 {
			found, ok = k, true
		}
	}
	return found, ok
}

func (a *HTTPAuth) checkPermissions(client config.APIClientKey, required string) error {
	if required == "" {
		return nil
	}
	// An empty permission list allows everything.
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}
