package permissions_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caro-platform/caro-bus-go/pkg/permissions"
)

func writePolicy(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".toml"), []byte(contents), 0o644))
}

func TestServiceNameAllowedMatchesOwnerCredentials(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "svc.a", `
owner_uid = 1000
owner_gid = 1000
allowed_peers = ["svc.b"]
`)

	oracle := permissions.NewOracle(dir)

	assert.True(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 1000, GID: 1000}, "svc.a"))
	assert.False(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 1001, GID: 1000}, "svc.a"))
	assert.False(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 1000, GID: 1000}, "svc.unknown"))
}

func TestConnectionAllowedRequiresExplicitAllowlist(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "svc.a", `
owner_uid = 1000
owner_gid = 1000
allowed_peers = ["svc.b", "svc.c"]
`)

	oracle := permissions.NewOracle(dir)

	assert.True(t, oracle.ConnectionAllowed("svc.a", "svc.b"))
	assert.True(t, oracle.ConnectionAllowed("svc.a", "svc.c"))
	assert.False(t, oracle.ConnectionAllowed("svc.a", "svc.d"))
	assert.False(t, oracle.ConnectionAllowed("svc.unknown", "svc.b"))
}

func TestMissingDirectoryDefaultsToDenyAll(t *testing.T) {
	oracle := permissions.NewOracle(filepath.Join(t.TempDir(), "does-not-exist"))

	assert.False(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 0, GID: 0}, "svc.a"))
	assert.False(t, oracle.ConnectionAllowed("svc.a", "svc.b"))
}

func TestMalformedPolicyFileIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "svc.broken", "not = [valid toml")
	writePolicy(t, dir, "svc.ok", `
owner_uid = 5
owner_gid = 5
allowed_peers = []
`)

	oracle := permissions.NewOracle(dir)

	assert.False(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 0, GID: 0}, "svc.broken"))
	assert.True(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 5, GID: 5}, "svc.ok"))
}

func TestReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	oracle := permissions.NewOracle(dir)

	assert.False(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 9, GID: 9}, "svc.new"))

	writePolicy(t, dir, "svc.new", `
owner_uid = 9
owner_gid = 9
allowed_peers = []
`)
	oracle.Reload()

	assert.True(t, oracle.ServiceNameAllowed(permissions.PeerCredentials{UID: 9, GID: 9}, "svc.new"))
}
