package connections

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTeamworkEndpoint exchanges a Teamwork launchpad code for a token.
const DefaultTeamworkEndpoint = "https://www.teamwork.com/launchpad/v1/token.json"

const maxValidatorResponseBytes = 1 << 20

// Validator checks a user-supplied token with the external service.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (Validation, error)
}

// TeamworkValidator exchanges a launchpad code through the Teamwork API.
type TeamworkValidator struct {
	Endpoint string
	HTTP     *http.Client
}

func NewTeamworkValidator(endpoint string, timeout time.Duration) *TeamworkValidator {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultTeamworkEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TeamworkValidator{Endpoint: endpoint, HTTP: &http.Client{Timeout: timeout}}
}

type teamworkTokenResponse struct {
	AccessToken  string `json:"access_token"`
	Installation struct {
		ID          json.Number `json:"id"`
		Name        string      `json:"name"`
		APIEndpoint string      `json:"apiEndPoint"`
	} `json:"installation"`
	User struct {
		Email string `json:"email"`
	} `json:"user"`
	Message string `json:"message"`
}

func (v *TeamworkValidator) ValidateToken(ctx context.Context, token string) (Validation, error) {
	body, err := json.Marshal(map[string]string{"code": token})
	if err != nil {
		return Validation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Validation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := v.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Validation{}, fmt.Errorf("teamwork: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out teamworkTokenResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxValidatorResponseBytes))
	dec.UseNumber()
	decodeErr := dec.Decode(&out)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			msg = "status " + strconv.Itoa(resp.StatusCode)
		}
		return Validation{}, fmt.Errorf("%w: teamwork: %s", ErrRejected, msg)
	}
	if decodeErr != nil {
		return Validation{}, fmt.Errorf("teamwork: decode response: %w", decodeErr)
	}
	if out.AccessToken == "" || out.Installation.ID.String() == "" {
		return Validation{}, errors.New("teamwork: incomplete token response")
	}

	return Validation{
		AccessToken: out.AccessToken,
		External: ExternalData{
			ID:          out.Installation.ID.String(),
			Name:        out.Installation.Name,
			APIEndpoint: out.Installation.APIEndpoint,
			UserEmail:   out.User.Email,
		},
	}, nil
}
