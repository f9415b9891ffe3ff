package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie/config"
	"github.com/mwistrand/aussie/internal/auth"
	"github.com/mwistrand/aussie/internal/authz"
	gwerrors "github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/logging"
	"github.com/mwistrand/aussie/internal/metrics"
	"github.com/mwistrand/aussie/internal/registry"
)

// Admin serves the management mux: health, metrics, service registration
// CRUD, and API key provisioning. Everything except the health probe is
// role-gated.
type Admin struct {
	cfg       config.AdminConfig
	registry  *registry.Registry
	chain     *auth.Chain
	keys      auth.KeyRepository
	keyPrefix string
}

// NewAdmin creates the admin surface.
func NewAdmin(cfg config.AdminConfig, reg *registry.Registry, chain *auth.Chain, keys auth.KeyRepository, keyPrefix string) *Admin {
	return &Admin{cfg: cfg, registry: reg, chain: chain, keys: keys, keyPrefix: keyPrefix}
}

// Handler builds the admin mux.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/healthz", a.handleHealth)
	mux.Handle("/admin/metrics", a.guard(metrics.Handler()))
	mux.Handle("/admin/services", a.guard(http.HandlerFunc(a.handleServices)))
	mux.Handle("/admin/services/", a.guard(http.HandlerFunc(a.handleService)))
	mux.Handle("/admin/keys", a.guard(http.HandlerFunc(a.handleKeys)))
	mux.Handle("/admin/keys/", a.guard(http.HandlerFunc(a.handleKey)))
	return mux
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// guard authenticates the caller and requires one of the configured admin
// roles.
func (a *Admin) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := a.chain.Authenticate(r.Context(), r)

		var identity *auth.Identity
		switch result.Status {
		case auth.StatusFailed:
			result.Err.WriteProblem(w)
			return
		case auth.StatusAuthenticated:
			identity = result.Identity
		}

		switch authz.RequireRoles(identity, a.cfg.RequiredRoles) {
		case authz.DenyUnauthenticated:
			gwerrors.ErrUnauthorized.WriteProblem(w)
			return
		case authz.DenyForbidden:
			gwerrors.ErrForbidden.WriteProblem(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Admin) handleServices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.registry.Services())
	case http.MethodPost:
		var reg registry.ServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			gwerrors.ErrBadRequest.WithDetail("invalid registration body").WriteProblem(w)
			return
		}
		version, err := a.registry.Register(r.Context(), &reg)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		logging.Info("service registered",
			zap.String("service_id", reg.ServiceID),
			zap.Int64("version", version))
		writeJSON(w, http.StatusCreated, map[string]any{
			"service_id": reg.ServiceID,
			"version":    version,
		})
	default:
		gwerrors.ErrNotFound.WriteProblem(w)
	}
}

func (a *Admin) handleService(w http.ResponseWriter, r *http.Request) {
	serviceID := strings.TrimPrefix(r.URL.Path, "/admin/services/")
	if serviceID == "" || strings.Contains(serviceID, "/") {
		gwerrors.ErrNotFound.WriteProblem(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		svc, ok := a.registry.GetService(serviceID)
		if !ok {
			gwerrors.ErrNotFound.WriteProblem(w)
			return
		}
		writeJSON(w, http.StatusOK, svc)
	case http.MethodDelete:
		removed, err := a.registry.Unregister(r.Context(), serviceID)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		if !removed {
			gwerrors.ErrNotFound.WriteProblem(w)
			return
		}
		logging.Info("service unregistered", zap.String("service_id", serviceID))
		w.WriteHeader(http.StatusNoContent)
	default:
		gwerrors.ErrNotFound.WriteProblem(w)
	}
}

// createKeyRequest is the provisioning payload. The credential itself is
// generated server-side and returned exactly once.
type createKeyRequest struct {
	Name        string    `json:"name"`
	OwnerID     string    `json:"owner_id"`
	Permissions []string  `json:"permissions,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

func (a *Admin) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		keys, err := a.keys.List(r.Context())
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		redacted := make([]auth.ApiKey, 0, len(keys))
		for _, k := range keys {
			redacted = append(redacted, k.Redacted())
		}
		writeJSON(w, http.StatusOK, redacted)
	case http.MethodPost:
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			gwerrors.ErrBadRequest.WithDetail("invalid key request body").WriteProblem(w)
			return
		}
		if req.Name == "" || req.OwnerID == "" {
			gwerrors.ErrBadRequest.WithDetail("name and owner_id are required").WriteProblem(w)
			return
		}

		token, err := auth.GenerateKey(a.keyPrefix)
		if err != nil {
			gwerrors.ErrInternal.WriteProblem(w)
			return
		}
		key := &auth.ApiKey{
			ID:          uuid.NewString(),
			Name:        req.Name,
			KeyHash:     auth.HashKey(token),
			OwnerID:     req.OwnerID,
			Permissions: req.Permissions,
			CreatedAt:   time.Now().UTC(),
			ExpiresAt:   req.ExpiresAt,
		}
		if err := a.keys.Create(r.Context(), key); err != nil {
			writeGatewayError(w, err)
			return
		}
		logging.Info("api key provisioned",
			zap.String("key_id", key.ID),
			zap.String("owner_id", key.OwnerID))
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":   key.ID,
			"name": key.Name,
			"key":  token,
		})
	default:
		gwerrors.ErrNotFound.WriteProblem(w)
	}
}

func (a *Admin) handleKey(w http.ResponseWriter, r *http.Request) {
	keyID := strings.TrimPrefix(r.URL.Path, "/admin/keys/")
	if keyID == "" || strings.Contains(keyID, "/") || r.Method != http.MethodDelete {
		gwerrors.ErrNotFound.WriteProblem(w)
		return
	}

	if err := a.keys.Revoke(r.Context(), keyID); err != nil {
		writeGatewayError(w, err)
		return
	}
	logging.Info("api key revoked", zap.String("key_id", keyID))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeGatewayError surfaces a GatewayError as its problem document and
// anything else as a bare 503.
func writeGatewayError(w http.ResponseWriter, err error) {
	if gwErr, ok := gwerrors.AsGatewayError(err); ok {
		gwErr.WriteProblem(w)
		return
	}
	gwerrors.ErrStoreUnavailable.WriteProblem(w)
}
