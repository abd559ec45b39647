// Package config loads EntglDb's runtime configuration: the
// `EntglDb:NodeName`/`EntglDb:Port`/`EntglDb:AuthToken` keys and the
// nested `Network`/`Persistence`/`Sync`/`Logging` trees from spec §6.
//
// Grounded on `_examples/MaxIOFS-MaxIOFS/internal/config/config.go`'s
// viper `Load(cmd) (*Config, error)` shape (defaults → flag binding →
// config file → env vars → unmarshal → validate), generalized from
// MaxIOFS's flat server config to EntglDb's nested peer/network/sync
// trees and from hand-rolled `if cfg.X == ""` checks to
// go-playground/validator struct tags.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"entgldb/internal/errs"
)

// NetworkConfig controls the TCP listener, discovery beacon, and
// handshake security mode (spec §4.6, §4.10, §6).
type NetworkConfig struct {
	ListenAddr        string `mapstructure:"listen_addr" validate:"required"`
	BeaconPort        int    `mapstructure:"beacon_port" validate:"required,min=1,max=65535"`
	ClusterTag        string `mapstructure:"cluster_tag" validate:"required"`
	SecureHandshake   bool   `mapstructure:"secure_handshake"`
	HandshakeTimeoutS int    `mapstructure:"handshake_timeout_s" validate:"min=1"`
	IdleTimeoutS      int    `mapstructure:"idle_timeout_s" validate:"min=1"`
}

// PersistenceConfig controls the local PeerStore's WAL/snapshot
// directory and the document cache budget (spec §4.2, §4.4).
type PersistenceConfig struct {
	DataDir       string `mapstructure:"data_dir" validate:"required"`
	CacheBudgetMB int    `mapstructure:"cache_budget_mb" validate:"min=1"`
}

// SyncConfig controls the per-peer pull interval and conflict-resolver
// strategy (spec §4.11, §9).
type SyncConfig struct {
	IntervalS       int    `mapstructure:"interval_s" validate:"min=1"`
	Resolver        string `mapstructure:"resolver" validate:"oneof=lww merge"`
	OfflineQueueCap int    `mapstructure:"offline_queue_cap" validate:"min=1"`
}

// LoggingConfig controls zerolog's level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config is the fully-resolved node configuration.
type Config struct {
	NodeName  string `mapstructure:"node_name" validate:"required"`
	Port      int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	AuthToken string `mapstructure:"auth_token" validate:"required"`

	Network     NetworkConfig     `mapstructure:"network"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Load resolves Config from (in increasing precedence) built-in
// defaults, an optional config file, `ENTGLDB_`-prefixed environment
// variables, and bound command-line flags, then validates the result.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cmd != nil {
		if err := bindFlags(cmd, v); err != nil {
			return nil, errs.New(errs.Config, "Load.bindFlags", err)
		}
		if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, errs.New(errs.Config, "Load.readConfigFile", err)
			}
		}
	}

	v.SetEnvPrefix("ENTGLDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.New(errs.Config, "Load.unmarshal", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 7000)
	v.SetDefault("network.listen_addr", "0.0.0.0")
	v.SetDefault("network.beacon_port", 6000)
	v.SetDefault("network.cluster_tag", "entgldb")
	v.SetDefault("network.secure_handshake", false)
	v.SetDefault("network.handshake_timeout_s", 5)
	v.SetDefault("network.idle_timeout_s", 30)
	v.SetDefault("persistence.data_dir", "./data")
	v.SetDefault("persistence.cache_budget_mb", 64)
	v.SetDefault("sync.interval_s", 5)
	v.SetDefault("sync.resolver", "lww")
	v.SetDefault("sync.offline_queue_cap", 1000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"node-name":  "node_name",
		"port":       "port",
		"auth-token": "auth_token",
		"secure":     "network.secure_handshake",
		"data-dir":   "persistence.data_dir",
		"merge":      "sync.resolver",
		"log-level":  "logging.level",
	}
	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate runs struct-tag validation over cfg, surfacing failures as
// errs.Config (fatal at startup, per spec §7).
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errs.New(errs.Config, "Validate", err)
	}
	return nil
}

// String renders cfg with the auth token redacted, safe for log lines.
func (c Config) String() string {
	return fmt.Sprintf("Config{NodeName:%s Port:%d AuthToken:<redacted> Network:%+v Persistence:%+v Sync:%+v Logging:%+v}",
		c.NodeName, c.Port, c.Network, c.Persistence, c.Sync, c.Logging)
}
