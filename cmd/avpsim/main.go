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

// Command avpsim is a bring-up console for exercising a protocol.Engine
// interactively against an in-memory backend, the way metalo's actions
// package drives a DataWallet from the command line rather than over the
// wire. It accepts raw AVP request lines on stdin and renders the decoded
// response as a table instead of raw JSON, plus a `tree` command that
// prints the current secret index as a tree.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"

	"github.com/nexusclaw/avp-core/backend"
	"github.com/nexusclaw/avp-core/protocol"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "avpsim"
	app.Usage = "interactive Agent Vault Protocol bring-up console"
	app.Version = version

	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "pin", Value: "1234", Usage: "device PIN the fake backend accepts"},
		&cli.StringFlag{Name: "model", Value: "NexusClaw-1", Usage: "device model string"},
		&cli.StringFlag{Name: "serial", Usage: "device serial (default: randomly generated)"},
		&cli.Int64Flag{Name: "seed", Value: 42, Usage: "PRNG seed for deterministic session ids"},
	}

	app.Action = runConsole

	if err := app.Run(os.Args); err != nil {
		println(err.Error())
		os.Exit(1)
	}
}

func runConsole(c *cli.Context) error {
	serial := c.String("serial")
	if serial == "" {
		serial = backend.RandomSerial()
	}
	info := backend.DeviceInfo{Model: c.String("model"), Serial: serial, Firmware: version}
	mem := backend.NewMemory(c.String("pin"), c.Int64("seed"), info)
	eng := protocol.NewEngine(mem)

	fmt.Println("avpsim: type an AVP request line, `tree` to view the secret index, `unlock` to clear a PIN lockout, or `quit`")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("avp> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "quit", "exit":
			return nil
		case "tree":
			printTree(eng)
			continue
		case "advance":
			mem.AdvanceClock(600)
			fmt.Println("clock advanced by 600s")
			continue
		case "unlock":
			if err := eng.ResetPinLockout(); err != nil {
				fmt.Println("unlock failed:", err)
			} else {
				fmt.Println("pin lockout cleared")
			}
			continue
		}
		if strings.HasPrefix(line, "advance ") {
			if n, err := strconv.ParseInt(strings.TrimPrefix(line, "advance "), 10, 64); err == nil {
				mem.AdvanceClock(n)
				fmt.Printf("clock advanced by %ds\n", n)
				continue
			}
		}

		resp := eng.Dispatch([]byte(line))
		printResponse(resp)
	}
}

func printResponse(resp protocol.Response) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")

	table.Append([]string{"op", string(resp.Op)})
	table.Append([]string{"ok", fmt.Sprintf("%v", resp.Success)})

	if !resp.Success {
		if resp.Fault != nil {
			table.Append([]string{"error", string(resp.Fault.Kind)})
			table.Append([]string{"message", resp.Fault.Message})
		}
		table.Render()
		return
	}

	switch {
	case resp.Discover != nil:
		d := resp.Discover
		table.Append([]string{"version", d.Version})
		table.Append([]string{"backend_type", d.BackendType})
		table.Append([]string{"model", d.Model})
		table.Append([]string{"serial", d.Serial})
	case resp.Authenticate != nil:
		a := resp.Authenticate
		table.Append([]string{"session_id", a.SessionID})
		table.Append([]string{"expires_in", fmt.Sprintf("%d", a.ExpiresIn)})
		table.Append([]string{"workspace", a.Workspace})
	case resp.Retrieve != nil:
		table.Append([]string{"value", resp.Retrieve.Value})
	case resp.List != nil:
		table.Append([]string{"count", fmt.Sprintf("%d", len(resp.List.Secrets))})
	case resp.HWChallenge != nil:
		table.Append([]string{"verified", fmt.Sprintf("%v", resp.HWChallenge.Verified)})
	case resp.HWSign != nil:
		table.Append([]string{"signature", resp.HWSign.Signature})
	case resp.HWAttest != nil:
		table.Append([]string{"attestation", resp.HWAttest.Attestation})
	}

	table.Render()
}

func printTree(eng *protocol.Engine) {
	tree := treeprint.New()
	tree.SetValue("secrets")
	for _, entry := range eng.Secrets() {
		tree.AddNode(fmt.Sprintf("%s (slot %d)", entry.Name, entry.Slot))
	}
	fmt.Println(tree.String())
}
