package identity

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestStatic(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr bool
	}{
		{"teacher", Identity{ID: "t1", Role: RoleTeacher}, false},
		{"admin", Identity{ID: "a1", Role: RoleAdmin}, false},
		{"missing id", Identity{Role: RoleStudent}, true},
		{"unknown role", Identity{ID: "x", Role: "parent"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Static{Identity: tt.id}.Current(context.Background())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, got)
		})
	}
}

func serve(t *testing.T, handler fasthttp.RequestHandler) *HTTPProvider {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	p := NewHTTPProvider("http://identity.local/v1/me", "secret", time.Second)
	p.Client = &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return p
}

func TestHTTPProvider(t *testing.T) {
	p := serve(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Request.Header.Peek("Authorization")) != "Bearer secret" {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"id":"stu-9","role":"student","display_name":"Bilal"}`)
	})

	id, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "stu-9", Role: RoleStudent, DisplayName: "Bilal"}, id)

	p.Token = "wrong"
	_, err = p.Current(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHTTPProvider_InvalidBody(t *testing.T) {
	p := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString(`{"id":"","role":"student"}`)
	})
	_, err := p.Current(context.Background())
	assert.ErrorIs(t, err, ErrInvalid)
}
