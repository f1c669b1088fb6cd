package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops_chat/server/chat/domain"
	"ops_chat/server/chat/rooms"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"ROOMS", "ROOM_MEMBERS", "STORE_DRIVER", "COUNTER_DRIVER", "NOTIFY_DRIVER", "UNREAD_LOCK_TIMEOUT_MS", "DIRECTORY_ENDPOINTS"} {
		t.Setenv(key, "")
	}
	cfg := LoadConfig()

	assert.Equal(t, rooms.DefaultCatalog, cfg.Rooms)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, DriverMemory, cfg.CounterDriver)
	assert.Equal(t, NotifyLog, cfg.NotifyDriver)
	assert.Equal(t, 2*time.Second, cfg.UnreadLockTimeout)
	assert.Empty(t, cfg.DirectoryEndpoints)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ROOMS", "general=General Chat, core-team=Core Team")
	t.Setenv("ROOM_MEMBERS", "core-team=u1|u2")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("COUNTER_DRIVER", "redis")
	t.Setenv("UNREAD_LOCK_TIMEOUT_MS", "250")
	t.Setenv("DIRECTORY_ENDPOINTS", "http://id-1:8080, http://id-2:8080")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []domain.Room{
		{ID: "general", DisplayName: "General Chat"},
		{ID: "core-team", DisplayName: "Core Team", Members: []string{"u1", "u2"}},
	}, cfg.Rooms)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.UnreadLockTimeout)
	assert.Equal(t, []string{"http://id-1:8080", "http://id-2:8080"}, cfg.DirectoryEndpoints)
	assert.True(t, cfg.usesDriver(DriverRedis))
	assert.False(t, cfg.usesDriver(DriverPostgres))
}

func TestValidate(t *testing.T) {
	base := Config{Env: "dev", StoreDriver: DriverMemory, CounterDriver: DriverMemory, NotifyDriver: NotifyLog, JWTSecret: "change-me-in-production"}
	require.NoError(t, base.Validate())

	bad := base
	bad.StoreDriver = "mongo"
	assert.Error(t, bad.Validate())

	bad = base
	bad.CounterDriver = "etcd"
	assert.Error(t, bad.Validate())

	bad = base
	bad.NotifyDriver = "sms"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Env = "prod"
	assert.Error(t, bad.Validate(), "default secret is refused outside dev")
}

func TestNewServerInMemory(t *testing.T) {
	cfg := Config{
		Env:           "dev",
		Port:          "0",
		JWTSecret:     "secret",
		JWTTTLMinutes: 5,
		Rooms:         rooms.DefaultCatalog,
		StoreDriver:   DriverSQLite,
		SQLitePath:    ":memory:",
		CounterDriver: DriverSQLite,
		NotifyDriver:  NotifyLog,
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NotNil(t, s.SQLite)
	assert.Nil(t, s.Redis)
	assert.Nil(t, s.Postgres)
	assert.NoError(t, s.Shutdown(t.Context()))
}
