package main

import (
	"fmt"
	"os"
	"time"

	"singbox-bridge/internal/core"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags.
var (
	socketPath string
	jsonOutput bool
	timeout    time.Duration
)

func main() {
	args := parseGlobalFlags(os.Args[1:])
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	// Session.
	case "status":
		if hasFlag(cmdArgs, "--session") {
			runCall("getSessionId", nil)
			return
		}
		runCall("getConnectionStatus", nil)
	case "stats":
		if hasFlag(cmdArgs, "--watch") {
			runWatchStats()
			return
		}
		runCall("getConnectionStats", nil)
	case "connect":
		if hasFlag(cmdArgs, "--active") {
			runCall("connectActive", nil)
			return
		}
		if len(cmdArgs) < 1 {
			fatal("usage: bridgectl connect <config.json> | --active")
		}
		runCall("connect", map[string]any{"config": readFile(cmdArgs[0])})
	case "switch":
		if len(cmdArgs) < 1 {
			fatal("usage: bridgectl switch <config.json>")
		}
		runCall("switchServer", map[string]any{"config": readFile(cmdArgs[0])})
	case "disconnect":
		runCall("disconnect", nil)
	case "reload":
		runCall("reload", nil)
	case "speed":
		runCall("testSpeed", nil)
	case "ping":
		runCall("pingCurrentServer", nil)
	case "watch":
		target := "status"
		if len(cmdArgs) > 0 {
			target = cmdArgs[0]
		}
		switch target {
		case "status":
			runWatchStatus()
		case "stats":
			runWatchStats()
		case "logs":
			runLogs(cmdArgs[1:])
		case "notifications":
			runWatchNotifications()
		default:
			fatal("usage: bridgectl watch <status|stats|logs|notifications>")
		}

	// Rules.
	case "rules":
		if len(cmdArgs) < 2 {
			fatal("usage: bridgectl rules <set> <list|add|remove> [entry]")
		}
		runRules(cmdArgs[0], cmdArgs[1], cmdArgs[2:])
	case "dns":
		if len(cmdArgs) < 1 || cmdArgs[0] != "set" {
			fatal("usage: bridgectl dns set <server> [server...]")
		}
		servers := make([]any, 0, len(cmdArgs)-1)
		for _, s := range cmdArgs[1:] {
			servers = append(servers, s)
		}
		runCall("setDnsServers", map[string]any{"dnsServers": servers})

	// Settings.
	case "settings":
		if len(cmdArgs) == 0 {
			fatal("usage: bridgectl settings <get|load|set <key> <json>>")
		}
		runSettings(cmdArgs[0], cmdArgs[1:])

	// Server configs.
	case "servers":
		if len(cmdArgs) == 0 {
			fatal("usage: bridgectl servers <list|add|update|remove|activate|active>")
		}
		runServers(cmdArgs[0], cmdArgs[1:])

	// Logs.
	case "logs":
		runLogs(cmdArgs)

	case "proxy":
		if len(cmdArgs) < 1 {
			fatal("usage: bridgectl proxy <on|off|status>")
		}
		runSystemProxy(cmdArgs[0])

	// Raw access to any command.
	case "call":
		if len(cmdArgs) < 1 {
			fatal("usage: bridgectl call <method> [json-args]")
		}
		var callArgs map[string]any
		if len(cmdArgs) > 1 {
			callArgs = parseJSONObject(cmdArgs[1])
		}
		runCall(cmdArgs[0], callArgs)

	case "version":
		fmt.Printf("bridgectl %s (commit: %s, built: %s)\n", version, commit, buildDate)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

// parseGlobalFlags extracts --socket, --json and --timeout and returns the
// remaining args.
func parseGlobalFlags(args []string) []string {
	var remaining []string
	socketPath = core.DefaultConfig().IPC.Socket
	timeout = 30 * time.Second

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--socket":
			if i+1 < len(args) {
				socketPath = args[i+1]
				i++
			}
		case "--json":
			jsonOutput = true
		case "--timeout":
			if i+1 < len(args) {
				if d, err := time.ParseDuration(args[i+1]); err == nil {
					timeout = d
				}
				i++
			}
		default:
			remaining = append(remaining, args[i])
		}
	}
	return remaining
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

// flagValue returns the value following flag, or def.
func flagValue(args []string, flag, def string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

func printUsage() {
	fmt.Println(`bridgectl - control the singbox-bridge daemon

Usage: bridgectl [global flags] <command> [args]

Session:
  status [--session]                Show connection status (or session id)
  stats [--watch]                   Show (or follow) connection stats
  connect <config.json> | --active  Start a session
  switch <config.json>              Replace the running session
  disconnect                        Stop the session
  reload                            Restart the session with its config
  speed                             Show current throughput
  ping                              Show latency to the current server
  watch [status|stats|logs|notifications]  Follow a stream

Rules (sets: bypass_apps, bypass_domains, bypass_subnets,
       block_apps, block_domains, dns_servers):
  rules <set> list
  rules <set> add <entry>
  rules <set> remove <entry>
  dns set <server> [server...]      Replace the DNS server list

Settings:
  settings get                      Show the settings document
  settings load                     Re-read settings from storage
  settings set <key> <json>         Update one key
  proxy <on|off|status>             Toggle or show the system HTTP proxy

Server configs:
  servers list
  servers add <config.json>
  servers update <config.json>
  servers remove <id>
  servers activate <id|"">
  servers active

Logs:
  logs [--level L] [--tag T] [--tail N]   Follow daemon and engine logs

Other:
  call <method> [json-args]         Invoke any command
  version                           Show version info

Global Flags:
  --socket <path>      Daemon socket (default: /run/singbox-bridge.sock)
  --json               Output in JSON format
  --timeout <duration> Call timeout (default: 30s)`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", fmt.Sprintf(format, args...))
	os.Exit(1)
}
