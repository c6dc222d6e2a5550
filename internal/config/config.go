// Copyright 2022 Piprate Limited
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the simulator/daemon's YAML configuration the same
// way the teacher's lockerd loads its own: a koanf instance fed by a single
// file.Provider/yaml.Parser pair, with defaults applied before the file is
// read so a bare `avpd` run without a config file still starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// Config is the subset of simulator/daemon settings SPEC_FULL.md's ambient
// stack names: which backend to run against, where to persist it, the
// device identity DISCOVER reports, and the socket/pipe to serve on.
type Config struct {
	Backend  string `koanf:"backend"`  // "memory" or "bbolt"
	DataDir  string `koanf:"data_dir"` // bbolt file lives under here
	PIN      string `koanf:"pin"`
	Model    string `koanf:"model"`
	Serial   string `koanf:"serial"`
	Firmware string `koanf:"firmware"`
	Socket   string `koanf:"socket"` // unix socket path; "" means stdin/stdout
	Debug    bool   `koanf:"debug"`
}

// Default mirrors node.GenerateConfig's role: a config a fresh install can
// run with no editing, the way the teacher ships a generated default.yaml
// rather than requiring every field up front.
func Default() Config {
	return Config{
		Backend:  "memory",
		DataDir:  "./avp-data",
		PIN:      "1234",
		Model:    "NexusClaw-1",
		Serial:   "NXC-000000000",
		Firmware: "0.1.0",
		Socket:   "",
		Debug:    false,
	}
}

// Load reads path (a YAML file) over Default(), so any field the file
// omits keeps its default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return out, nil
}

// WriteDefault writes a fresh default config to dir/name.yaml, refusing to
// clobber an existing one, matching node.SafeWriteConfigToFile's
// no-silent-overwrite rule.
func WriteDefault(dir, name string) error {
	path := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	cfg := Default()
	body := fmt.Sprintf(defaultTemplate,
		cfg.Backend, cfg.DataDir, cfg.PIN, cfg.Model, cfg.Serial, cfg.Firmware)

	return os.WriteFile(path, []byte(body), 0o600)
}

const defaultTemplate = `
backend: %s
data_dir: %s
pin: "%s"
model: %s
serial: %s
firmware: %s
socket: ""
debug: false
`
