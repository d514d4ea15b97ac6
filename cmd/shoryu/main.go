// Shoryu — CLI entry point.
//
// This tool runs a deterministic lockstep demo session between 2~8 peers
// over UDP: one host, the rest joiners. Joiners find the host either via an
// explicit endpoint or through the host's PIN-guarded lobby URL.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -port, -players, -host, -lobby, …) or a Lua config file
// (-config shoryu.lua).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/shoryu-net/shoryu/internal/config"
	"github.com/shoryu-net/shoryu/internal/util"
	"github.com/shoryu-net/shoryu/lobby"
	"github.com/shoryu-net/shoryu/protocol"
	"github.com/shoryu-net/shoryu/session"
)

var version = "dev"

const handshakeTimeout = 2 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfgPath := flag.String("config", "", "Lua config file (flags override it)")
	role := flag.String("role", "", "Role: host or join")
	port := flag.Int("port", 0, "Local UDP port (0 picks one)")
	players := flag.Int("players", 0, "Session size including the host (host only, 2~8)")
	host := flag.String("host", "", "Host endpoint addr:port (join only)")
	lobbyURL := flag.String("lobby", "", "Lobby URL to fetch the host endpoint from (join only)")
	lobbyPort := flag.Int("lobbyPort", 0, "Lobby listen port (host only, 0 picks one)")
	pin := flag.String("pin", "", "Lobby PIN (host only, generated when empty)")
	frames := flag.Int("frames", 0, "Demo simulation length in ticks")
	username := flag.String("username", "", "Username announced to peers")
	delayHost := flag.Bool("delayHost", false, "Host publishes at frame+delay instead of frame+1")
	loss := flag.Int("loss", 0, "Artificial packet loss percent (testing)")
	wireLog := flag.Bool("wirelog", false, "Write the shoryu.<ms>.log traffic log")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.LoadLua(*cfgPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags that were set explicitly override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = *role
		case "port":
			cfg.Port = *port
		case "players":
			cfg.Players = *players
		case "host":
			cfg.Host = *host
		case "lobby":
			cfg.Lobby = *lobbyURL
		case "lobbyPort":
			cfg.LobbyPort = *lobbyPort
		case "pin":
			cfg.PIN = *pin
		case "frames":
			cfg.Frames = *frames
		case "username":
			cfg.Username = *username
		case "delayHost":
			cfg.DelayHost = *delayHost
		case "loss":
			cfg.PacketLoss = *loss
		case "wirelog":
			cfg.WireLog = *wireLog
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Shoryu — v%s", version))
	pterm.Println()

	switch cfg.Role {
	case "":
		runInteractive(ctx, cfg)
	case config.RoleHost:
		runHost(ctx, cfg)
	case config.RoleJoin:
		if cfg.Host == "" && cfg.Lobby == "" {
			util.LogError("missing -host or -lobby for join role")
			os.Exit(1)
		}
		runJoin(ctx, cfg)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role is given.
func runInteractive(ctx context.Context, cfg *config.Config) {
	roleChoice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host — Wait for peers to join", "Join — Connect to a host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(roleChoice, "Host") {
		cfg.Role = config.RoleHost
		cfg.Players = askInt("Number of players (2 ~ 8)", 2, 8)
		runHost(ctx, cfg)
	} else {
		cfg.Role = config.RoleJoin
		cfg.Host = askEndpoint("Host endpoint (e.g. 192.168.1.10:7500)")
		runJoin(ctx, cfg)
	}
}

// runHost binds the session, announces it through the lobby, and hosts the
// demo simulation.
func runHost(ctx context.Context, cfg *config.Config) {
	s := session.New(demoCodec(), sessionOptions(cfg))
	if err := s.Bind(cfg.Port); err != nil {
		util.LogError("bind failed: %v", err)
		os.Exit(1)
	}
	defer s.Unbind()

	pin := cfg.PIN
	if pin == "" {
		pin = lobby.GeneratePIN(4)
	}
	announced := netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(s.Port()))
	srv := lobby.NewServer(pin, announced)
	lport, err := srv.Start(fmt.Sprintf(":%d", cfg.LobbyPort))
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer srv.Close()

	pterm.DefaultBox.WithTitle("Lobby").Println(fmt.Sprintf(
		"UDP port : %d\nLobby    : ws://<your-ip>:%d/ws?pin=%s\nPIN      : %s",
		s.Port(), lport, pin, pin))
	util.LogInfo("waiting for %d joiner(s)...", cfg.Players-1)

	go shutdownOnCancel(ctx, s)

	st := demoState()
	if err := s.Create(cfg.Players, st, stateEqual, handshakeTimeout); err != nil {
		util.LogError("create failed: %v (last transport error: %q)", err, s.LastError())
		os.Exit(1)
	}
	if err := runSim(s, cfg.Frames); err != nil {
		util.LogError("simulation failed: %v", err)
		os.Exit(1)
	}
	s.Shutdown()
}

// runJoin resolves the host endpoint and joins the demo simulation.
func runJoin(ctx context.Context, cfg *config.Config) {
	hostEp, err := resolveHost(ctx, cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	s := session.New(demoCodec(), sessionOptions(cfg))
	if err := s.Bind(cfg.Port); err != nil {
		util.LogError("bind failed: %v", err)
		os.Exit(1)
	}
	defer s.Unbind()

	util.LogInfo("joining %s...", hostEp)
	go shutdownOnCancel(ctx, s)

	st := demoState()
	if err := s.Join(hostEp, st, stateEqual, handshakeTimeout); err != nil {
		util.LogError("join failed: %v (last transport error: %q)", err, s.LastError())
		os.Exit(1)
	}
	if err := runSim(s, cfg.Frames); err != nil {
		util.LogError("simulation failed: %v", err)
		os.Exit(1)
	}
	s.Shutdown()
}

// shutdownOnCancel aborts all blocking session calls on Ctrl+C.
func shutdownOnCancel(ctx context.Context, s *session.Session) {
	<-ctx.Done()
	s.Shutdown()
}

func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		Username:     cfg.Username,
		DelayHost:    cfg.DelayHost,
		PacketLoss:   cfg.PacketLoss,
		SendDelayMin: cfg.SendDelayMin,
		SendDelayMax: cfg.SendDelayMax,
		WireLog:      cfg.WireLog,
	}
}

func demoState() *GameInfo {
	return &GameInfo{Title: "shoryu-demo", CRC: 0x524F4A31}
}

// stateEqual accepts a peer only when it runs the identical title and CRC.
func stateEqual(local, remote protocol.State) bool {
	l, lok := local.(*GameInfo)
	r, rok := remote.(*GameInfo)
	return lok && rok && *l == *r
}

// resolveHost turns the -host flag or a lobby fetch into a UDP endpoint.
func resolveHost(ctx context.Context, cfg *config.Config) (netip.AddrPort, error) {
	if cfg.Lobby == "" {
		ep, err := netip.ParseAddrPort(cfg.Host)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid host endpoint %q: %w", cfg.Host, err)
		}
		return ep, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ep, err := lobby.Fetch(fetchCtx, cfg.Lobby)
	if err != nil {
		return netip.AddrPort{}, err
	}
	// The lobby announces the UDP port with an unspecified address; the
	// dialed lobby hostname fills it in.
	if ep.Addr().IsUnspecified() {
		u, err := url.Parse(cfg.Lobby)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid lobby URL %q: %w", cfg.Lobby, err)
		}
		addr, err := netip.ParseAddr(u.Hostname())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("lobby URL must use an IPv4 address, got %q", u.Hostname())
		}
		ep = netip.AddrPortFrom(addr, ep.Port())
	}
	return ep, nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askInt prompts until an integer in [lo, hi] is entered.
func askInt(prompt string, lo, hi int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && n >= lo && n <= hi {
			pterm.Println()
			return n
		}

		util.LogWarning("invalid value: must be %d ~ %d", lo, hi)
		pterm.Println()
	}
}

// askEndpoint prompts until a valid addr:port is entered.
func askEndpoint(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		raw = strings.TrimSpace(raw)
		if _, err := netip.ParseAddrPort(raw); err == nil {
			pterm.Println()
			return raw
		}

		util.LogWarning("invalid endpoint: expected addr:port")
		pterm.Println()
	}
}
