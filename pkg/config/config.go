// Package config loads the proxy's static configuration file: socket
// paths, the helper-process commands, logging flags, and the filter
// policy (allowed globals plus per-request filter rules).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	wlerrors "wlmitm/pkg/errors"
)

const defaultAskTimeout = 5 * time.Second

// Action is the verdict a request filter assigns before screen_request
// even has to consult the helper broker.
type Action string

const (
	ActionBlock  Action = "block"
	ActionAsk    Action = "ask"
	ActionNotify Action = "notify"
)

// BlockType controls what happens to a request that action=block (or a
// denied ask) decides to drop.
type BlockType string

const (
	BlockIgnore BlockType = "ignore"
	BlockReject BlockType = "reject"
)

// RequestFilter is one [[filter.requests]] table entry.
type RequestFilter struct {
	Interface string    `mapstructure:"interface"`
	Requests  []string  `mapstructure:"requests"`
	Action    Action    `mapstructure:"action"`
	Desc      string    `mapstructure:"desc"`
	BlockType BlockType `mapstructure:"block_type"`
	ErrorCode uint32    `mapstructure:"error_code"`
}

type SocketConfig struct {
	Listen   string `mapstructure:"listen"`
	Upstream string `mapstructure:"upstream"`
}

type ExecConfig struct {
	AskCmd     string        `mapstructure:"ask_cmd"`
	NotifyCmd  string        `mapstructure:"notify_cmd"`
	AskTimeout time.Duration `mapstructure:"ask_timeout"`
}

type LoggingConfig struct {
	LogAllRequests bool   `mapstructure:"log_all_requests"`
	LogAllEvents   bool   `mapstructure:"log_all_events"`
	LogLevel       string `mapstructure:"log_level"`
}

type FilterConfig struct {
	AllowedGlobals []string        `mapstructure:"allowed_globals"`
	DryRun         bool            `mapstructure:"dry_run"`
	Requests       []RequestFilter `mapstructure:"requests"`
}

type Config struct {
	Socket  SocketConfig  `mapstructure:"socket"`
	Exec    ExecConfig    `mapstructure:"exec"`
	Logging LoggingConfig `mapstructure:"logging"`
	Filter  FilterConfig  `mapstructure:"filter"`
}

// Load reads and validates the TOML configuration file at path. There is
// no env-var overlay and no watch/reload: configuration is immutable
// once the process has started.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("logging.log_level", "info")
	v.SetDefault("exec.ask_timeout", defaultAskTimeout)

	if err := v.ReadInConfig(); err != nil {
		return nil, wlerrors.NewWithError(wlerrors.ExitCodeConfig, "failed to read config file "+path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wlerrors.NewWithError(wlerrors.ExitCodeConfig, "failed to parse config file", err)
	}

	if cfg.Exec.AskTimeout <= 0 {
		cfg.Exec.AskTimeout = defaultAskTimeout
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Socket.Listen == "" {
		return wlerrors.ConfigError("socket.listen must be set")
	}

	for i, f := range cfg.Filter.Requests {
		if f.Interface == "" {
			return wlerrors.ConfigError(fmt.Sprintf("filter.requests[%d]: interface must be set", i))
		}
		if len(f.Requests) == 0 {
			return wlerrors.ConfigError(fmt.Sprintf("filter.requests[%d] (%s): requests must list at least one request name", i, f.Interface))
		}
		switch f.Action {
		case ActionBlock, ActionAsk, ActionNotify:
		default:
			return wlerrors.ConfigError(fmt.Sprintf("filter.requests[%d] (%s): action must be block, ask, or notify, got %q", i, f.Interface, f.Action))
		}
		if f.Action == ActionBlock || f.Action == ActionAsk {
			switch f.BlockType {
			case BlockIgnore, BlockReject:
			default:
				return wlerrors.ConfigError(fmt.Sprintf("filter.requests[%d] (%s): block_type must be ignore or reject, got %q", i, f.Interface, f.BlockType))
			}
		}
	}

	return nil
}
