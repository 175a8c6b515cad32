package connections

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scoping/cmd/identity/ids"
	"scoping/cmd/security/token"
)

const defaultMaxBodyBytes = 64 << 10

// UserVerifier resolves a bearer token to a user id.
type UserVerifier interface {
	VerifyUser(raw string, now time.Time) (string, error)
}

// Sealer encrypts access tokens at rest.
type Sealer interface {
	Seal(plaintext, aad []byte) (string, error)
}

// Handler serves POST /api/connections.
type Handler struct {
	log        *slog.Logger
	auth       UserVerifier
	sealer     Sealer
	store      Store
	validators map[string]Validator

	maxBodyBytes int64
	now          func() time.Time
}

// NewHandler wires the endpoint. validators maps a lower-case connection
// type to the service that checks its tokens.
func NewHandler(log *slog.Logger, auth UserVerifier, sealer Sealer, store Store, validators map[string]Validator) (*Handler, error) {
	if auth == nil {
		return nil, errors.New("connections: nil user verifier")
	}
	if sealer == nil {
		return nil, errors.New("connections: nil sealer")
	}
	if store == nil {
		return nil, errors.New("connections: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	vs := make(map[string]Validator, len(validators))
	for typ, v := range validators {
		vs[strings.ToLower(typ)] = v
	}
	return &Handler{
		log:          log,
		auth:         auth,
		sealer:       sealer,
		store:        store,
		validators:   vs,
		maxBodyBytes: defaultMaxBodyBytes,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires the route onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/api/connections", h.handleCreate)
}

type createRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type createResponse struct {
	Type         string       `json:"type"`
	ExternalData ExternalData `json:"externalData"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := h.now()
	raw, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	userID, err := h.auth.VerifyUser(raw, now)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}

	var req createRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	typ := strings.ToLower(strings.TrimSpace(req.Type))
	if typ == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Connection Type is required.")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Connection Token is required.")
		return
	}
	v := h.validators[typ]
	if v == nil {
		writeError(w, http.StatusBadRequest, "unknown_type", "Unknown Connection Type")
		return
	}

	ctx := r.Context()
	val, err := v.ValidateToken(ctx, strings.TrimSpace(req.Token))
	if err != nil {
		h.log.Info("connections.validate.fail", "user_id", userID, "type", typ, "err", err)
		writeError(w, http.StatusBadRequest, "invalid_token", err.Error())
		return
	}

	id, err := ids.NewULID(now)
	if err != nil {
		h.log.Error("connections.id.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	sealed, err := h.sealer.Seal([]byte(val.AccessToken), sealAAD(userID, typ, val.External.ID))
	if err != nil {
		h.log.Error("connections.seal.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	fp := token.HashSHA256Hex(val.AccessToken)
	err = h.store.Create(ctx, Connection{
		ID:               id,
		UserID:           userID,
		Type:             typ,
		ExternalID:       val.External.ID,
		SealedToken:      sealed,
		TokenFingerprint: fp,
		External:         val.External,
		CreatedAt:        now,
	})
	switch {
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusUnprocessableEntity, "conflict", "Connection already exists!")
		return
	case err != nil:
		h.log.Error("connections.store.fail", "user_id", userID, "type", typ, "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}

	h.log.Info("connections.create", "user_id", userID, "type", typ, "external_id", val.External.ID, "token_fp", fp[:12])
	writeJSON(w, http.StatusCreated, createResponse{Type: typ, ExternalData: val.External})
}

// sealAAD binds a sealed token to its owner and account.
func sealAAD(userID, typ, externalID string) []byte {
	return []byte(userID + "\x00" + typ + "\x00" + externalID)
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
