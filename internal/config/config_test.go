package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsNeedIdentity(t *testing.T) {
	_, err := Load("", "")
	assert.Error(t, err)

	t.Setenv("CLASSROOM_IDENTITY_ID", "teacher-1")
	t.Setenv("CLASSROOM_IDENTITY_ROLE", "teacher")
	c, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, BusMemory, c.Bus.Kind)
	assert.Equal(t, StoreMemory, c.Store.Kind)
	assert.Equal(t, 3, c.Session.MaxReconnects)
	assert.Equal(t, 30*time.Second, c.Session.ConnectTimeout)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := write(t, "classroom.yaml", `
listen_addr: 127.0.0.1:9000
identity:
  id: student-1
  role: student
bus:
  kind: nats
  nats_url: nats://bus:4222
store:
  kind: sqlite
  dsn: /tmp/classroom.db
session:
  connect_timeout: 20s
  max_reconnects: 5
presence:
  scope: school-7
`)
	t.Setenv("MAX_RECONNECTS", "2")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478")

	c, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.ListenAddr)
	assert.Equal(t, "student", c.Identity.Role)
	assert.Equal(t, BusNATS, c.Bus.Kind)
	assert.Equal(t, StoreSQLite, c.Store.Kind)
	assert.Equal(t, 20*time.Second, c.Session.ConnectTimeout)
	assert.Equal(t, 2, c.Session.MaxReconnects)
	assert.Equal(t, "school-7", c.Presence.Scope)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, c.Media.ICEServers)
	// untouched defaults survive the file
	assert.Equal(t, 10*time.Second, c.Session.AttemptTimeout)
}

func TestLoad_DotEnv(t *testing.T) {
	env := write(t, ".env", "CLASSROOM_IDENTITY_ID=admin-1\nCLASSROOM_IDENTITY_ROLE=admin\nCLASSROOM_STORE=redis\n")
	t.Cleanup(func() {
		os.Unsetenv("CLASSROOM_IDENTITY_ID")
		os.Unsetenv("CLASSROOM_IDENTITY_ROLE")
		os.Unsetenv("CLASSROOM_STORE")
	})

	c, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", c.Identity.ID)
	assert.Equal(t, StoreRedis, c.Store.Kind)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CLASSROOM_IDENTITY_ID", "x")

	t.Setenv("CLASSROOM_IDENTITY_ROLE", "principal")
	_, err := Load("", "")
	assert.Error(t, err)

	t.Setenv("CLASSROOM_IDENTITY_ROLE", "teacher")
	t.Setenv("CLASSROOM_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err = Load("", "")
	assert.Error(t, err, "postgres needs a DSN")

	t.Setenv("CLASSROOM_STORE", "memory")
	t.Setenv("CONNECT_TIMEOUT", "soon")
	_, err = Load("", "")
	assert.Error(t, err)
}

func TestLoad_IdentityURL(t *testing.T) {
	t.Setenv("CLASSROOM_IDENTITY_URL", "https://platform.example/api/me")
	c, err := Load("", "")
	require.NoError(t, err)
	assert.Empty(t, c.Identity.ID)
}
