package connections

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"scoping/cmd/internal/history"
)

// HTTPExchanger forwards external authorization codes to POST
// /api/connections. It implements history.AuthExchanger.
type HTTPExchanger struct {
	// URL is the full endpoint, e.g. http://localhost:8080/api/connections.
	URL   string
	Token string
	// Type is the connection type sent with every code; TypeTeamwork when empty.
	Type string
	HTTP *http.Client
}

var _ history.AuthExchanger = (*HTTPExchanger)(nil)

// ErrExchangeFailed wraps every non-201 answer.
var ErrExchangeFailed = errors.New("exchange failed")

func (x *HTTPExchanger) ExchangeExternalAuth(ctx context.Context, code string) error {
	typ := x.Type
	if typ == "" {
		typ = TypeTeamwork
	}
	body, err := json.Marshal(createRequest{Type: typ, Token: code})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+x.Token)

	client := x.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusCreated {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var er errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxValidatorResponseBytes)).Decode(&er)
	msg := strings.TrimSpace(er.Error.Message)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%w: %d %s", ErrExchangeFailed, resp.StatusCode, msg)
}
