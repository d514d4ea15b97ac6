// Package config holds the CLI configuration, loadable from a Lua file that
// returns a config table.
package config

import (
	"fmt"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"
)

// Role selects which end of the star this process runs.
const (
	RoleHost = "host"
	RoleJoin = "join"
)

// Config stores all parameters gathered from flags, prompts, or a Lua file.
type Config struct {
	Role     string
	Username string

	Port    int // local UDP port; 0 picks one
	Players int // host: session size including the host

	Host  string // join: host endpoint, addr:port
	Lobby string // join: lobby URL, overrides Host when set

	LobbyPort int    // host: lobby listen port; 0 picks one
	PIN       string // lobby PIN; generated when empty

	Frames int // demo simulation length in ticks

	DelayHost    bool
	PacketLoss   int // percent, fault injection
	SendDelayMin int // ms
	SendDelayMax int // ms
	WireLog      bool
	Debug        bool
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Username: "player",
		Players:  2,
		Frames:   600,
	}
}

// LoadLua executes the Lua file at path and maps the table it returns over
// the defaults.
func LoadLua(path string) (*Config, error) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoFile(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	table, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("config: %s did not return a table", path)
	}

	cfg := Default()
	if err := gluamapper.Map(table, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Role != "" && c.Role != RoleHost && c.Role != RoleJoin {
		return fmt.Errorf("role must be %q or %q", RoleHost, RoleJoin)
	}
	if c.Players < 2 || c.Players > 8 {
		return fmt.Errorf("players must be 2~8, got %d", c.Players)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PacketLoss < 0 || c.PacketLoss > 100 {
		return fmt.Errorf("packet loss must be 0~100, got %d", c.PacketLoss)
	}
	if c.SendDelayMax < c.SendDelayMin {
		return fmt.Errorf("send delay max %d below min %d", c.SendDelayMax, c.SendDelayMin)
	}
	if c.Frames < 1 {
		return fmt.Errorf("frames must be positive, got %d", c.Frames)
	}
	return nil
}
