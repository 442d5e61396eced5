// Package identity resolves who is running this agent and in which role.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/valyala/fasthttp"
)

// Role as granted by the platform.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

var (
	ErrUnauthorized = errors.New("identity: unauthorized")
	ErrInvalid      = errors.New("identity: invalid identity")
)

// Identity is the authenticated user behind this agent.
type Identity struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Role        Role   `json:"role" yaml:"role" validate:"required,oneof=teacher student admin"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`
}

// Provider returns the current identity.
type Provider interface {
	Current(ctx context.Context) (Identity, error)
}

var validate = validator.New()

// Validate checks the identity's required fields.
func (i Identity) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Static always returns the same identity.
type Static struct {
	Identity Identity
}

func (s Static) Current(context.Context) (Identity, error) {
	if err := s.Identity.Validate(); err != nil {
		return Identity{}, err
	}
	return s.Identity, nil
}

// HTTPProvider fetches the identity from the platform's "who am I" endpoint
// using a bearer token.
type HTTPProvider struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *fasthttp.Client
}

// NewHTTPProvider returns a provider with a default client.
func NewHTTPProvider(url, token string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{URL: url, Token: token, Timeout: timeout, Client: &fasthttp.Client{}}
}

func (p *HTTPProvider) Current(ctx context.Context) (Identity, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.URL)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	timeout := p.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); timeout <= 0 || d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if err := p.Client.DoTimeout(req, resp, timeout); err != nil {
		return Identity{}, fmt.Errorf("identity: performing HTTP request: %w", err)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
		return Identity{}, ErrUnauthorized
	default:
		return Identity{}, fmt.Errorf("identity: unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}

	var id Identity
	if err := sonic.Unmarshal(resp.Body(), &id); err != nil {
		return Identity{}, fmt.Errorf("identity: decoding response: %w", err)
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
