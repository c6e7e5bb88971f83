package config

import (
	"reflect"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SIGNALING_URLS", "ROOM_PASSWORD", "REDIS_ADDR", "STUN_SERVER",
		"TURN_SERVER", "TURN_USERNAME", "TURN_PASSWORD", "FORCE_RELAY", "RELAY_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.SignalingURLs, []string{DefaultSignalingURL}) {
		t.Errorf("SignalingURLs = %v", cfg.SignalingURLs)
	}
	if cfg.STUNServer != DefaultSTUN {
		t.Errorf("STUNServer = %q", cfg.STUNServer)
	}
	if cfg.RelayAddr != DefaultRelayAddr {
		t.Errorf("RelayAddr = %q", cfg.RelayAddr)
	}
	if cfg.GetTURNServers() != nil {
		t.Errorf("TURN servers without TURN_SERVER: %v", cfg.GetTURNServers())
	}
}

func TestLoadPriority(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIGNALING_URLS", "ws://env-a/ws, ws://env-b/ws,ws://env-a/ws")
	t.Setenv("ROOM_PASSWORD", "from-env")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.SignalingURLs, []string{"ws://env-a/ws", "ws://env-b/ws"}) {
		t.Errorf("SignalingURLs = %v", cfg.SignalingURLs)
	}
	if cfg.Password != "from-env" || cfg.RedisAddr != "redis:6379" {
		t.Errorf("env values not applied: %+v", cfg)
	}

	cfg, err = Load(Options{SignalingURLs: []string{"wss://flag/ws"}, Password: "from-flag"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg.SignalingURLs, []string{"wss://flag/ws"}) || cfg.Password != "from-flag" {
		t.Errorf("flags did not override env: %+v", cfg)
	}
}

func TestLoadRejectsBadURL(t *testing.T) {
	clearEnv(t)
	for _, u := range []string{"http://example.com/ws", "ws://", "::bad"} {
		if _, err := Load(Options{SignalingURLs: []string{u}}); err == nil {
			t.Errorf("Load accepted %q", u)
		}
	}
}

func TestForceRelayNeedsTURN(t *testing.T) {
	clearEnv(t)
	if _, err := Load(Options{ForceRelay: true}); err == nil {
		t.Fatal("expected error for relay-only without TURN")
	}
	cfg, err := Load(Options{ForceRelay: true, TURNServer: "turn.example.com", TURNUser: "u", TURNPass: "p"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{
		"turn:turn.example.com:3478?transport=udp",
		"turn:turn.example.com:3478?transport=tcp",
		"turns:turn.example.com:5349?transport=tcp",
	}
	if !reflect.DeepEqual(cfg.GetTURNServers(), want) {
		t.Errorf("GetTURNServers = %v", cfg.GetTURNServers())
	}
	if u, p := cfg.GetTURNCredentials(); u != "u" || p != "p" {
		t.Errorf("GetTURNCredentials = %q, %q", u, p)
	}
}
