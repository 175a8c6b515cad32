package connections

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scoping/cmd/security/token"
)

var errBadUserToken = errors.New("bad token")

type staticVerifier map[string]string

func (v staticVerifier) VerifyUser(raw string, _ time.Time) (string, error) {
	if uid, ok := v[raw]; ok {
		return uid, nil
	}
	return "", errBadUserToken
}

type validatorFunc func(ctx context.Context, token string) (Validation, error)

func (f validatorFunc) ValidateToken(ctx context.Context, token string) (Validation, error) {
	return f(ctx, token)
}

func okValidator(ctx context.Context, tok string) (Validation, error) {
	if tok == "bad-code" {
		return Validation{}, errors.New("teamwork: code expired")
	}
	return Validation{
		AccessToken: "tw-access-" + tok,
		External:    ExternalData{ID: "inst-" + tok, Name: "Acme"},
	}, nil
}

type handlerFixture struct {
	handler *Handler
	store   *MemoryStore
	sealer  *token.Sealer
	mux     *http.ServeMux
}

func newHandlerFixture(t *testing.T) handlerFixture {
	t.Helper()

	sealer, err := token.NewSealer(bytes.Repeat([]byte{7}, token.MinKeyBytes))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	st := NewMemoryStore()
	h, err := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), staticVerifier{"tok-alice": "alice"}, sealer, st,
		map[string]Validator{"Teamwork": validatorFunc(okValidator)})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return handlerFixture{handler: h, store: st, sealer: sealer, mux: mux}
}

func (fx handlerFixture) do(t *testing.T, method, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, "/api/connections", strings.NewReader(body))
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	fx.mux.ServeHTTP(w, r)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return er.Error.Message
}

func TestHandler_RejectsBeforeValidating(t *testing.T) {
	t.Parallel()

	fx := newHandlerFixture(t)
	tests := []struct {
		name    string
		method  string
		bearer  string
		body    string
		status  int
		message string
	}{
		{name: "method", method: http.MethodGet, bearer: "tok-alice", status: http.StatusMethodNotAllowed},
		{name: "no bearer", method: http.MethodPost, body: `{"type":"teamwork","token":"x"}`, status: http.StatusUnauthorized},
		{name: "bad bearer", method: http.MethodPost, bearer: "nope", body: `{"type":"teamwork","token":"x"}`, status: http.StatusUnauthorized},
		{name: "bad json", method: http.MethodPost, bearer: "tok-alice", body: `{"type":`, status: http.StatusBadRequest},
		{name: "empty body", method: http.MethodPost, bearer: "tok-alice", status: http.StatusBadRequest},
		{name: "too large", method: http.MethodPost, bearer: "tok-alice", body: `{"type":"teamwork","token":"` + strings.Repeat("x", defaultMaxBodyBytes) + `"}`, status: http.StatusRequestEntityTooLarge, message: "request body too large"},
		{name: "unknown field", method: http.MethodPost, bearer: "tok-alice", body: `{"type":"teamwork","token":"x","extra":1}`, status: http.StatusBadRequest},
		{name: "type first", method: http.MethodPost, bearer: "tok-alice", body: `{"type":"","token":""}`, status: http.StatusBadRequest, message: "Connection Type is required."},
		{name: "token", method: http.MethodPost, bearer: "tok-alice", body: `{"type":"teamwork","token":" "}`, status: http.StatusBadRequest, message: "Connection Token is required."},
		{name: "unknown type", method: http.MethodPost, bearer: "tok-alice", body: `{"type":"jira","token":"x"}`, status: http.StatusBadRequest, message: "Unknown Connection Type"},
		{name: "validator", method: http.MethodPost, bearer: "tok-alice", body: `{"type":"teamwork","token":"bad-code"}`, status: http.StatusBadRequest, message: "teamwork: code expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := fx.do(t, tt.method, tt.bearer, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if tt.message != "" {
				if got := errorMessage(t, w); got != tt.message {
					t.Fatalf("message = %q, want %q", got, tt.message)
				}
			}
		})
	}

	list, _ := fx.store.List(context.Background(), "alice")
	if len(list) != 0 {
		t.Fatalf("rejected requests stored %d connections", len(list))
	}
}

func TestHandler_CreatesSealedConnection(t *testing.T) {
	t.Parallel()

	fx := newHandlerFixture(t)
	w := fx.do(t, http.MethodPost, "tok-alice", `{"type":"TeamWork","token":"code-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	var resp createResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Type != TypeTeamwork || resp.ExternalData.ID != "inst-code-1" {
		t.Fatalf("response = %+v", resp)
	}
	if strings.Contains(w.Body.String(), "tw-access-code-1") {
		t.Fatalf("response leaks the access token")
	}

	list, err := fx.store.List(context.Background(), "alice")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %+v, %v", list, err)
	}
	c := list[0]
	if c.TokenFingerprint != token.HashSHA256Hex("tw-access-code-1") {
		t.Fatalf("fingerprint = %q", c.TokenFingerprint)
	}
	plain, err := fx.sealer.Open(c.SealedToken, sealAAD("alice", TypeTeamwork, "inst-code-1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "tw-access-code-1" {
		t.Fatalf("sealed token = %q", plain)
	}
	if _, err := fx.sealer.Open(c.SealedToken, sealAAD("mallory", TypeTeamwork, "inst-code-1")); err == nil {
		t.Fatalf("sealed token must be bound to its owner")
	}

	dup := fx.do(t, http.MethodPost, "tok-alice", `{"type":"teamwork","token":"code-1"}`)
	if dup.Code != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate status = %d", dup.Code)
	}
	if got := errorMessage(t, dup); got != "Connection already exists!" {
		t.Fatalf("duplicate message = %q", got)
	}
}

func TestHTTPExchanger_AgainstHandler(t *testing.T) {
	t.Parallel()

	fx := newHandlerFixture(t)
	ts := httptest.NewServer(fx.mux)
	defer ts.Close()

	x := &HTTPExchanger{URL: ts.URL + "/api/connections", Token: "tok-alice"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := x.ExchangeExternalAuth(ctx, "code-9"); err != nil {
		t.Fatalf("ExchangeExternalAuth: %v", err)
	}
	err := x.ExchangeExternalAuth(ctx, "code-9")
	if !errors.Is(err, ErrExchangeFailed) || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("duplicate exchange err = %v", err)
	}

	bad := &HTTPExchanger{URL: ts.URL + "/api/connections", Token: "nope"}
	if err := bad.ExchangeExternalAuth(ctx, "code-10"); !errors.Is(err, ErrExchangeFailed) {
		t.Fatalf("unauthorized exchange err = %v", err)
	}
}

func TestTeamworkValidator(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"invalid code"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"tw-1","installation":{"id":42,"name":"Acme","apiEndPoint":"https://acme.teamwork.com/"},"user":{"email":"a@acme.test"}}`)
	}))
	defer ts.Close()

	v := NewTeamworkValidator(ts.URL, time.Second)
	ctx := context.Background()

	got, err := v.ValidateToken(ctx, "good")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got.AccessToken != "tw-1" || got.External.ID != "42" || got.External.APIEndpoint != "https://acme.teamwork.com/" || got.External.UserEmail != "a@acme.test" {
		t.Fatalf("validation = %+v", got)
	}

	_, err = v.ValidateToken(ctx, "bad")
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "invalid code") {
		t.Fatalf("rejected err = %v", err)
	}
}

func TestMemoryStore_ConflictIsPerUser(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	c := Connection{ID: "1", UserID: "alice", Type: TypeTeamwork, ExternalID: "42"}

	if err := st.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.ID = "2"
	if err := st.Create(ctx, c); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate err = %v", err)
	}
	c.ID, c.UserID = "3", "bob"
	if err := st.Create(ctx, c); err != nil {
		t.Fatalf("other user: %v", err)
	}
}
