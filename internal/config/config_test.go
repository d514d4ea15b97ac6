package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeLua(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shoryu.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadLua_MapsFields(t *testing.T) {
	t.Parallel()

	path := writeLua(t, `
return {
	role = "host",
	username = "ken",
	port = 7500,
	players = 3,
	lobby_port = 8000,
	pin = "4242",
	frames = 120,
	delay_host = true,
	packet_loss = 5,
	wire_log = true,
}
`)
	cfg, err := LoadLua(path)
	require.NoError(t, err)
	require.Equal(t, RoleHost, cfg.Role)
	require.Equal(t, "ken", cfg.Username)
	require.Equal(t, 7500, cfg.Port)
	require.Equal(t, 3, cfg.Players)
	require.Equal(t, 8000, cfg.LobbyPort)
	require.Equal(t, "4242", cfg.PIN)
	require.Equal(t, 120, cfg.Frames)
	require.True(t, cfg.DelayHost)
	require.Equal(t, 5, cfg.PacketLoss)
	require.True(t, cfg.WireLog)
}

func TestLoadLua_DefaultsSurvive(t *testing.T) {
	t.Parallel()

	path := writeLua(t, `return { role = "join", host = "10.0.0.1:7500" }`)
	cfg, err := LoadLua(path)
	require.NoError(t, err)
	require.Equal(t, RoleJoin, cfg.Role)
	require.Equal(t, "10.0.0.1:7500", cfg.Host)
	require.Equal(t, "player", cfg.Username)
	require.Equal(t, 2, cfg.Players)
	require.Equal(t, 600, cfg.Frames)
}

func TestLoadLua_RejectsNonTable(t *testing.T) {
	t.Parallel()

	path := writeLua(t, `return 42`)
	_, err := LoadLua(path)
	require.Error(t, err)
}

func TestValidate_Ranges(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.Role = "spectate"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Players = 9
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.PacketLoss = 101
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SendDelayMin = 10
	cfg.SendDelayMax = 5
	require.Error(t, cfg.Validate())
}
