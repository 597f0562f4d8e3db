package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "app", Password: "pw", Name: "lattice",
	}
	assert.Equal(t, "postgres://app:pw@db:5432/lattice?sslmode=disable", pg.DSN())

	sq := DatabaseConfig{Driver: "sqlite", Path: "/tmp/data", Name: "lattice"}
	assert.Equal(t, "/tmp/data/lattice.db", sq.DSN())
	assert.True(t, sq.IsSQLite())
	assert.False(t, pg.IsSQLite())
}

func TestCacheTTLs(t *testing.T) {
	c := CacheConfig{MetadataTTLMinutes: 5, RightsTTLMinutes: 30}
	assert.Equal(t, "5m0s", c.MetadataTTL().String())
	assert.Equal(t, "30m0s", c.RightsTTL().String())
}
