/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// CmdRoot is the name of the configuration file (gateway.yaml) and the
// prefix of the environment variables that override it
// (e.g. GATEWAY_WEB_ADDRESS sets web.address).
const CmdRoot = "gateway"

// Provider reads the gateway configuration file and exposes typed access
// to its keys. Relative paths in the file are resolved against the
// directory the file was loaded from.
type Provider struct {
	confPath string
	v        *viper.Viper
}

// NewProvider loads the configuration from confPath. An empty confPath
// falls back to the current directory.
func NewProvider(confPath string) (*Provider, error) {
	p := &Provider{confPath: confPath}
	if err := p.load(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) GetString(key string) string          { return p.v.GetString(key) }
func (p *Provider) GetInt(key string) int                { return p.v.GetInt(key) }
func (p *Provider) GetBool(key string) bool              { return p.v.GetBool(key) }
func (p *Provider) GetDuration(key string) time.Duration { return p.v.GetDuration(key) }
func (p *Provider) GetStringSlice(key string) []string   { return p.v.GetStringSlice(key) }
func (p *Provider) IsSet(key string) bool                { return p.v.IsSet(key) }
func (p *Provider) ConfigFileUsed() string               { return p.v.ConfigFileUsed() }

func (p *Provider) UnmarshalKey(key string, rawVal interface{}) error {
	return p.v.UnmarshalKey(key, rawVal)
}

// GetPath reads key as a filesystem path and resolves it relative to the
// config file location when not absolute.
func (p *Provider) GetPath(key string) string {
	path := p.v.GetString(key)
	if path == "" {
		return ""
	}
	return p.TranslatePath(path)
}

func (p *Provider) TranslatePath(path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(p.v.ConfigFileUsed()), path)
}

func (p *Provider) load() error {
	p.v = viper.New()
	p.v.SetConfigName(CmdRoot)
	if len(p.confPath) != 0 {
		p.v.AddConfigPath(p.confPath)
	}
	p.v.AddConfigPath(".")
	p.v.SetEnvPrefix(CmdRoot)
	p.v.AutomaticEnv()
	p.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := p.v.ReadInConfig(); err != nil {
		// The version of Viper we use claims the config type isn't supported
		// when in fact the file hasn't been found.
		if strings.Contains(fmt.Sprint(err), "Unsupported Config Type") {
			return errors.Errorf("could not find config file, please make sure %s.yaml is reachable from [%s]", CmdRoot, p.confPath)
		}
		return errors.WithMessagef(err, "error when reading %s config file", CmdRoot)
	}
	return nil
}
