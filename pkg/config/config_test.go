// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

const minimalConfig = `
homeserver:
    domain: example.com
irc_service:
    servers:
        irc.example.net:
            bot:
                enabled: true
                nick: MatrixBot
`

func TestConfigUnmarshalYAML(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("Domain: got %q, want %q", cfg.Homeserver.Domain, "example.com")
	}
	server, ok := cfg.IrcService.Servers["irc.example.net"]
	if !ok {
		t.Fatal("server irc.example.net missing")
	}
	if !server.Bot.Enabled || server.Bot.Nick != "MatrixBot" {
		t.Errorf("bot config: got %+v", server.Bot)
	}
}

func TestPostProcessDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	server := cfg.IrcService.Servers["irc.example.net"]
	if server.Name != "irc.example.net" {
		t.Errorf("Name default: got %q", server.Name)
	}
	if server.Port != 6667 {
		t.Errorf("Port default: got %d, want 6667", server.Port)
	}
	if server.IrcClients.NickTemplate != "M-$DISPLAY" {
		t.Errorf("NickTemplate default: got %q", server.IrcClients.NickTemplate)
	}
	if server.IrcClients.JoinAttempts != 5 {
		t.Errorf("JoinAttempts default: got %d", server.IrcClients.JoinAttempts)
	}
	if server.IrcClients.RealnameFormat != "mxid" {
		t.Errorf("RealnameFormat default: got %q", server.IrcClients.RealnameFormat)
	}
	if server.IrcClients.PingTimeoutMs != 600000 {
		t.Errorf("PingTimeoutMs default: got %d", server.IrcClients.PingTimeoutMs)
	}
}

func TestPostProcessSSLPortDefault(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	server := cfg.IrcService.Servers["irc.example.net"]
	server.SSL = true
	cfg.IrcService.Servers["irc.example.net"] = server
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if got := cfg.IrcService.Servers["irc.example.net"].Port; got != 6697 {
		t.Errorf("SSL port default: got %d, want 6697", got)
	}
}

func TestPostProcessRejectsMissingDomain(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	if err := cfg.PostProcess(); err == nil {
		t.Error("PostProcess should reject empty homeserver domain")
	}
}

func TestPostProcessRejectsBotWithoutNick(t *testing.T) {
	t.Parallel()
	input := `
homeserver:
    domain: example.com
irc_service:
    servers:
        irc.example.net:
            bot:
                enabled: true
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if err := cfg.PostProcess(); err == nil {
		t.Error("PostProcess should reject enabled bot without a nick")
	}
}

func TestPostProcessCompilesExcludedUsers(t *testing.T) {
	t.Parallel()
	input := `
homeserver:
    domain: example.com
irc_service:
    servers:
        irc.example.net:
            excluded_users:
                - regex: "@bad.*:example\\.com"
                  kick_reason: "not welcome"
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	server := cfg.IrcService.Servers["irc.example.net"]
	if len(server.ExcludedUsers) != 1 || server.ExcludedUsers[0].Pattern == nil {
		t.Fatalf("excluded users not compiled: %+v", server.ExcludedUsers)
	}
	if !server.ExcludedUsers[0].Pattern.MatchString("@baduser:example.com") {
		t.Error("compiled pattern should match @baduser:example.com")
	}
}

func TestPostProcessRejectsInvalidExcludedUserRegex(t *testing.T) {
	t.Parallel()
	input := `
homeserver:
    domain: example.com
irc_service:
    servers:
        irc.example.net:
            excluded_users:
                - regex: "(["
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if err := cfg.PostProcess(); err == nil {
		t.Error("PostProcess should reject an invalid excluded_users regex")
	}
}

func TestPostProcessRejectsBadQuitDebounceRange(t *testing.T) {
	t.Parallel()
	input := `
homeserver:
    domain: example.com
irc_service:
    servers:
        irc.example.net:
            quit_debounce:
                enabled: true
                delay_min_ms: 5000
                delay_max_ms: 1000
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if err := cfg.PostProcess(); err == nil {
		t.Error("PostProcess should reject delay_max_ms < delay_min_ms")
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	if ExampleConfig == "" {
		t.Fatal("ExampleConfig should not be empty (embedded from example-config.yaml)")
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config must parse: %v", err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("example config must validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Homeserver.Domain != "example.com" {
		t.Errorf("Domain: got %q", cfg.Homeserver.Domain)
	}
	if _, err = Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}
