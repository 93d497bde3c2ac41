package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/and161185/gophsync/internal/errs"
)

const authPath = "/api/auth"

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account on the backend.
func (c *HTTPClient) Register(ctx context.Context, username, password string) error {
	_, err := c.do(ctx, http.MethodPost, authPath+"/register", "", credentials{username, password})
	return err
}

// Login exchanges credentials for a bearer token.
func (c *HTTPClient) Login(ctx context.Context, username, password string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, authPath+"/login", "", credentials{username, password})
	if err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return "", fmt.Errorf("%w: login response without token", errs.ErrMalformed)
	}
	return out.Token, nil
}
