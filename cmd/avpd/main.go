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

// Command avpd is the AVP daemon: it loads a backend (memory or bbolt),
// wires it into a protocol.Engine, and serves newline-delimited JSON
// requests over a unix socket or, absent one, stdin/stdout — the shape
// lockerd serves HTTP in, reduced to this protocol's line-oriented wire
// format.
package main

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/nexusclaw/avp-core/backend"
	avpconfig "github.com/nexusclaw/avp-core/internal/config"
	"github.com/nexusclaw/avp-core/protocol"
	"github.com/nexusclaw/avp-core/utils"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "avpd"
	app.Usage = "Agent Vault Protocol daemon"
	app.Version = version

	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "if true, enable debug logging",
		},
		&cli.StringFlag{
			Name:  "config",
			Value: "$HOME/.avp-core/config.yaml",
			Usage: "path to the daemon's YAML config file",
		},
	}
	app.Before = func(c *cli.Context) error {
		level := zerolog.InfoLevel
		if c.Bool("debug") {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp})
		return nil
	}

	app.Commands = []*cli.Command{
		{
			Name:   "init",
			Usage:  "write a default config file",
			Action: initialiseCommand,
		},
	}

	app.Action = runServer

	if err := app.Run(os.Args); err != nil {
		log.Err(err).Msg("avpd exited with an error")
		os.Exit(1)
	}
}

func initialiseCommand(c *cli.Context) error {
	configPath := utils.AbsPathify(c.String("config"))
	return avpconfig.WriteDefault(filepath.Dir(configPath), "config")
}

func runServer(c *cli.Context) error {
	configPath := utils.AbsPathify(c.String("config"))

	cfg, err := avpconfig.Load(configPath)
	if err != nil {
		return cli.Exit(err, 1)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	eng, closeFn, err := buildEngine(cfg)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer closeFn()

	// dispatchMu serializes every call into eng across connections — the
	// engine is a single logical dispatcher (§5) even when avpd fans
	// multiple socket clients out across goroutines.
	var dispatchMu sync.Mutex

	if cfg.Socket == "" {
		log.Info().Msg("serving AVP requests over stdin/stdout")
		return serveLines(os.Stdin, os.Stdout, eng, &dispatchMu)
	}

	if err := os.RemoveAll(cfg.Socket); err != nil {
		return cli.Exit(err, 1)
	}
	ln, err := net.Listen("unix", cfg.Socket)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer ln.Close()

	log.Info().Str("socket", cfg.Socket).Msg("serving AVP requests")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			if err := serveLines(conn, conn, eng, &dispatchMu); err != nil {
				log.Err(err).Msg("connection closed with error")
			}
		}()
	}
}

// serveLines runs the read-dispatch-write loop for one connection. The
// engine is shared across every connection and not safe for concurrent
// dispatch (§5), so mu guards each HandleLine call (decode, dispatch and
// encode); only the line read and the write around it run unserialized,
// which is safe because those touch only this connection's own buffers.
func serveLines(r io.Reader, w io.Writer, eng *protocol.Engine, mu *sync.Mutex) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxJSONLen*2)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		mu.Lock()
		out := eng.HandleLine(line)
		mu.Unlock()
		if _, err := w.Write(out); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func buildEngine(cfg avpconfig.Config) (*protocol.Engine, func(), error) {
	info := backend.DeviceInfo{Model: cfg.Model, Serial: cfg.Serial, Firmware: cfg.Firmware}

	switch cfg.Backend {
	case "bbolt":
		path := filepath.Join(cfg.DataDir, "avp.bolt")
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, err
		}
		b, err := backend.OpenBolt(path, cfg.PIN, info)
		if err != nil {
			return nil, nil, err
		}
		return protocol.NewEngine(b), func() { _ = b.Close() }, nil
	default:
		b := backend.NewMemory(cfg.PIN, time.Now().UnixNano(), info)
		return protocol.NewEngine(b), func() {}, nil
	}
}
