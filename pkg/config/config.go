// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads and validates the bridge configuration. The yaml
// layout is upgraded in place against the embedded example config, so
// deployments keep their comments and get new keys on upgrade.
package config

import (
	_ "embed"
	"fmt"
	"regexp"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	IrcService IrcServiceConfig `yaml:"irc_service"`
}

type HomeserverConfig struct {
	Domain string `yaml:"domain"`
}

type IrcServiceConfig struct {
	// PasskeyFile points at the 32-byte key used to encrypt stored NickServ
	// passwords. Empty disables password storage.
	PasskeyFile string                  `yaml:"passkey_file"`
	DebugAPI    DebugAPIConfig          `yaml:"debug_api"`
	Ident       IdentConfig             `yaml:"ident"`
	Servers     map[string]ServerConfig `yaml:"servers"`
}

type DebugAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// IdentConfig controls the RFC 1413 ident responder.
type IdentConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ServerConfig describes one IRC network, keyed by its domain in the
// servers map.
type ServerConfig struct {
	Name                   string `yaml:"name"`
	Port                   int    `yaml:"port"`
	SSL                    bool   `yaml:"ssl"`
	SSLSelfSigned          bool   `yaml:"ssl_self_signed"`
	SASL                   bool   `yaml:"sasl"`
	Password               string `yaml:"password"`
	SendConnectionMessages bool   `yaml:"send_connection_messages"`

	QuitDebounce    QuitDebounceConfig `yaml:"quit_debounce"`
	Bot             BotConfig          `yaml:"bot"`
	IrcClients      IrcClientsConfig   `yaml:"irc_clients"`
	MembershipLists MembershipConfig   `yaml:"membership_lists"`

	ExcludedUsers    []ExcludedUserConfig `yaml:"excluded_users"`
	ExcludedChannels []string             `yaml:"excluded_channels"`
	ChannelKeys      map[string]string    `yaml:"channel_keys"`
}

type QuitDebounceConfig struct {
	Enabled        bool    `yaml:"enabled"`
	QuitsPerSecond float64 `yaml:"quits_per_second"`
	DelayMinMs     int     `yaml:"delay_min_ms"`
	DelayMaxMs     int     `yaml:"delay_max_ms"`
}

type BotConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Nick                  string `yaml:"nick"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	JoinChannelsIfNoUsers bool   `yaml:"join_channels_if_no_users"`
}

type IrcClientsConfig struct {
	NickTemplate             string `yaml:"nick_template"`
	AllowNickChanges         bool   `yaml:"allow_nick_changes"`
	MaxClients               int    `yaml:"max_clients"`
	IdleTimeoutSeconds       int    `yaml:"idle_timeout_seconds"`
	ReconnectIntervalMs      int    `yaml:"reconnect_interval_ms"`
	ConcurrentReconnectLimit int    `yaml:"concurrent_reconnect_limit"`
	JoinAttempts             int    `yaml:"join_attempts"`
	LineLimit                int    `yaml:"line_limit"`
	UserModes                string `yaml:"user_modes"`
	RealnameFormat           string `yaml:"realname_format"`
	PingRateMs               int    `yaml:"ping_rate_ms"`
	PingTimeoutMs            int    `yaml:"ping_timeout_ms"`
	IPv6Prefix               string `yaml:"ipv6_prefix"`
	IPv6Only                 bool   `yaml:"ipv6_only"`
}

type MembershipConfig struct {
	Enabled            bool `yaml:"enabled"`
	MirrorJoins        bool `yaml:"mirror_joins"`
	MirrorLeaves       bool `yaml:"mirror_leaves"`
	MirrorIRCToMatrix  bool `yaml:"mirror_irc_to_matrix"`
	MirrorMatrixToIRC  bool `yaml:"mirror_matrix_to_irc"`
	InitialSyncOnStart bool `yaml:"initial_sync_on_start"`
}

type ExcludedUserConfig struct {
	Regex      string `yaml:"regex"`
	KickReason string `yaml:"kick_reason"`

	Pattern *regexp.Regexp `yaml:"-"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and compiles the excluded-user patterns.
// Must be called after unmarshalling, before the config is used.
func (c *Config) PostProcess() error {
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain must be set")
	}
	if len(c.IrcService.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured under irc_service.servers")
	}
	if c.IrcService.DebugAPI.Enabled && c.IrcService.DebugAPI.Address == "" {
		c.IrcService.DebugAPI.Address = ":11100"
	}
	if c.IrcService.Ident.Enabled && c.IrcService.Ident.Port == 0 {
		c.IrcService.Ident.Port = 113
	}
	for domain, server := range c.IrcService.Servers {
		if err := server.postProcess(domain); err != nil {
			return err
		}
		c.IrcService.Servers[domain] = server
	}
	return nil
}

func (s *ServerConfig) postProcess(domain string) error {
	if s.Name == "" {
		s.Name = domain
	}
	if s.Port == 0 {
		if s.SSL {
			s.Port = 6697
		} else {
			s.Port = 6667
		}
	}
	if s.IrcClients.NickTemplate == "" {
		s.IrcClients.NickTemplate = "M-$DISPLAY"
	}
	if s.IrcClients.ReconnectIntervalMs == 0 {
		s.IrcClients.ReconnectIntervalMs = 5000
	}
	if s.IrcClients.JoinAttempts == 0 {
		s.IrcClients.JoinAttempts = 5
	}
	if s.IrcClients.RealnameFormat == "" {
		s.IrcClients.RealnameFormat = "mxid"
	}
	if s.IrcClients.RealnameFormat != "mxid" && s.IrcClients.RealnameFormat != "reverse-mxid" {
		return fmt.Errorf("server %s: realname_format must be mxid or reverse-mxid, got %q", domain, s.IrcClients.RealnameFormat)
	}
	if s.IrcClients.PingRateMs == 0 {
		s.IrcClients.PingRateMs = 60 * 1000
	}
	if s.IrcClients.PingTimeoutMs == 0 {
		s.IrcClients.PingTimeoutMs = 10 * 60 * 1000
	}
	if s.QuitDebounce.Enabled {
		if s.QuitDebounce.QuitsPerSecond <= 0 {
			s.QuitDebounce.QuitsPerSecond = 5
		}
		if s.QuitDebounce.DelayMaxMs < s.QuitDebounce.DelayMinMs {
			return fmt.Errorf("server %s: quit_debounce.delay_max_ms must be >= delay_min_ms", domain)
		}
	}
	if s.Bot.Enabled && s.Bot.Nick == "" {
		return fmt.Errorf("server %s: bot.nick must be set when the bot is enabled", domain)
	}
	for i := range s.ExcludedUsers {
		pattern, err := regexp.Compile(s.ExcludedUsers[i].Regex)
		if err != nil {
			return fmt.Errorf("server %s: excluded_users[%d]: invalid regex: %w", domain, i, err)
		}
		s.ExcludedUsers[i].Pattern = pattern
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "irc_service", "passkey_file")
	helper.Copy(up.Bool, "irc_service", "debug_api", "enabled")
	helper.Copy(up.Str, "irc_service", "debug_api", "address")
	helper.Copy(up.Bool, "irc_service", "ident", "enabled")
	helper.Copy(up.Str, "irc_service", "ident", "address")
	helper.Copy(up.Int, "irc_service", "ident", "port")
	helper.Copy(up.Map, "irc_service", "servers")
}

// Upgrader merges an on-disk config with the embedded example.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks:         nil,
	Base:           ExampleConfig,
}

// Load reads, upgrades and validates the config at path.
func Load(path string) (*Config, error) {
	upgraded, _, err := up.Do(path, true, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(upgraded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
