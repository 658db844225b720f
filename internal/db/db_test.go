package db

import (
	"context"
	"testing"

	"relay-distribution/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestOpen_NoDatabaseConfigured(t *testing.T) {
	gormDB, err := Open(context.Background(), config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, gormDB)

	require.NoError(t, AutoMigrate(nil))
	require.NoError(t, Close(nil))
}

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, err := Open(context.Background(), config.Config{DBDialect: "mysql", DBDsn: "mysql://localhost/db"}, zerolog.Nop())
	require.EqualError(t, err, "unsupported DB_DIALECT: mysql")
}
