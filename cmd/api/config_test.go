package main

import (
	"testing"
	"time"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_URI", "badger:///var/lib/dm")

	var config Config
	_, err := env.UnmarshalFromEnviron(&config)
	require.NoError(t, err)

	require.Equal(t, "badger:///var/lib/dm", config.StoreURI)
	require.Equal(t, "whatsapp", config.StoreDatabase)
	require.Equal(t, 24*time.Hour, config.TokenTTL)
	require.Equal(t, 50051, config.Port)
	require.Equal(t, 10, config.RateLimitRPM)
	require.Equal(t, 1024, config.MirrorQueueSize)
	require.Equal(t, 5*time.Second, config.MirrorTimeout)
	require.Equal(t, "INFO", config.LogLevel)
	require.False(t, config.RequireTLS)
	require.Equal(t, ":50051", config.address())
	require.Empty(t, config.admins())

	config.AdminUsers = " root, ,ops "
	require.Equal(t, []string{"root", "ops"}, config.admins())
}

func TestConfigJWTManager(t *testing.T) {
	_, err := Config{}.jwtManager()
	require.Error(t, err)

	m, err := Config{JWTSecret: "s", TokenTTL: time.Hour}.jwtManager()
	require.NoError(t, err)
	token, _, err := m.GenerateToken("alice")
	require.NoError(t, err)
	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Username)

	rotated, err := Config{JWTKeys: "old:one,new:two", JWTActiveKid: "new", TokenTTL: time.Hour}.jwtManager()
	require.NoError(t, err)
	token, _, err = rotated.GenerateToken("bob")
	require.NoError(t, err)
	_, err = rotated.VerifyToken(token)
	require.NoError(t, err)

	_, err = Config{JWTKeys: "broken", TokenTTL: time.Hour}.jwtManager()
	require.Error(t, err)
	_, err = Config{JWTKeys: ",", TokenTTL: time.Hour}.jwtManager()
	require.Error(t, err)
}
