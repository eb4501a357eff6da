package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/ipc"
)

// ruleSets maps a rule set name to its add, remove and list commands and
// the argument key the entry travels under.
var ruleSets = map[string]struct {
	add, remove, list, arg string
}{
	"bypass_apps":    {"addAppToBypass", "removeAppFromBypass", "getBypassApps", "packageName"},
	"bypass_domains": {"addDomainToBypass", "removeDomainFromBypass", "getBypassDomains", "domain"},
	"bypass_subnets": {"addSubnetToBypass", "removeSubnetFromBypass", "getBypassSubnets", "subnet"},
	"block_apps":     {"addBlockedApp", "removeBlockedApp", "getBlockedApps", "packageName"},
	"block_domains":  {"addBlockedDomain", "removeBlockedDomain", "getBlockedDomains", "domain"},
	"dns_servers":    {"addDnsServer", "removeDnsServer", "getDnsServers", "dnsServer"},
}

func dial() *ipc.Client {
	c, err := ipc.Dial(socketPath)
	if err != nil {
		fatal("%v", err)
	}
	return c
}

// call invokes one command with the global timeout and exits on failure.
func call(method string, args map[string]any) any {
	c := dial()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	result, err := c.Call(ctx, method, args)
	if err != nil {
		fatal("%s", describeError(err))
	}
	return result
}

func runCall(method string, args map[string]any) {
	outputValue(call(method, args))
}

// describeError turns transport failures into something a user can act on.
func describeError(err error) string {
	var alert *core.AlertError
	if errors.As(err, &alert) {
		return alert.Error()
	}
	switch status.Code(err) {
	case codes.Unavailable:
		return fmt.Sprintf("daemon not reachable at %s (is singbox-bridge running?)", socketPath)
	case codes.DeadlineExceeded:
		return fmt.Sprintf("no reply within %s", timeout)
	case codes.Unimplemented:
		return "unknown command"
	}
	return err.Error()
}

func runRules(set, action string, rest []string) {
	r, ok := ruleSets[set]
	if !ok {
		fatal("unknown rule set %q", set)
	}
	switch action {
	case "list":
		runCall(r.list, nil)
	case "add", "remove":
		if len(rest) < 1 {
			fatal("usage: bridgectl rules %s %s <entry>", set, action)
		}
		method := r.add
		if action == "remove" {
			method = r.remove
		}
		changed, _ := call(method, map[string]any{r.arg: rest[0]}).(bool)
		switch {
		case jsonOutput:
			outputJSON(changed)
		case changed:
			fmt.Println("OK")
		default:
			fmt.Println("No change.")
		}
	default:
		fatal("unknown rules action %q", action)
	}
}

func runSettings(action string, rest []string) {
	switch action {
	case "get":
		runCall("getSettings", nil)
	case "load":
		runCall("loadSettings", nil)
	case "set":
		if len(rest) < 2 {
			fatal("usage: bridgectl settings set <key> <json-value>")
		}
		runCall("updateSetting", map[string]any{"key": rest[0], "value": parseJSONValue(rest[1])})
	default:
		fatal("unknown settings action %q", action)
	}
}

func runSystemProxy(action string) {
	switch action {
	case "on", "off":
		runCall("setSystemProxyEnabled", map[string]any{"enabled": action == "on"})
	case "status":
		runCall("getSystemProxyStatus", nil)
	default:
		fatal("usage: bridgectl proxy <on|off|status>")
	}
}

func runServers(action string, rest []string) {
	switch action {
	case "list":
		list := call("getServerConfigs", nil)
		active, _ := call("getActiveServerConfig", nil).(map[string]any)
		id, _ := active["id"].(string)
		outputServers(list, id)
	case "active":
		runCall("getActiveServerConfig", nil)
	case "add", "update":
		if len(rest) < 1 {
			fatal("usage: bridgectl servers %s <config.json>", action)
		}
		method := "addServerConfig"
		if action == "update" {
			method = "updateServerConfig"
		}
		runCall(method, map[string]any{"config": parseJSONObject(readFile(rest[0]))})
	case "remove":
		if len(rest) < 1 {
			fatal("usage: bridgectl servers remove <id>")
		}
		runCall("removeServerConfig", map[string]any{"configId": rest[0]})
	case "activate":
		id := ""
		if len(rest) > 0 {
			id = rest[0]
		}
		runCall("setActiveServerConfig", map[string]any{"configId": id})
	default:
		fatal("unknown servers action %q", action)
	}
}

// streamContext is cancelled on Ctrl+C.
func streamContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runWatchStatus() {
	c := dial()
	defer c.Close()
	ctx, cancel := streamContext()
	defer cancel()

	ch, err := c.StreamStatus(ctx)
	if err != nil {
		fatal("%s", describeError(err))
	}
	for s := range ch {
		if jsonOutput {
			outputJSON(map[string]string{"status": s})
			continue
		}
		fmt.Println(s)
	}
}

func runWatchStats() {
	c := dial()
	defer c.Close()
	ctx, cancel := streamContext()
	defer cancel()

	ch, err := c.StreamStats(ctx)
	if err != nil {
		fatal("%s", describeError(err))
	}
	for sample := range ch {
		if jsonOutput {
			outputJSON(sample)
			continue
		}
		fmt.Printf("up %s B/s  down %s B/s  sent %s B  received %s B  ping %s ms  uptime %s ms\n",
			formatScalar(sample["uploadSpeed"]), formatScalar(sample["downloadSpeed"]),
			formatScalar(sample["bytesSent"]), formatScalar(sample["bytesReceived"]),
			formatScalar(sample["ping"]), formatScalar(sample["connectionDuration"]))
	}
}

func runWatchNotifications() {
	c := dial()
	defer c.Close()
	ctx, cancel := streamContext()
	defer cancel()

	ch, err := c.StreamNotifications(ctx)
	if err != nil {
		fatal("%s", describeError(err))
	}
	for n := range ch {
		if jsonOutput {
			outputJSON(n)
			continue
		}
		fmt.Printf("[%s] %s: %s\n", formatScalar(n["typeName"]), formatScalar(n["title"]), formatScalar(n["body"]))
	}
}

func runLogs(args []string) {
	tail, err := strconv.Atoi(flagValue(args, "--tail", "200"))
	if err != nil {
		fatal("invalid --tail: %v", err)
	}
	c := dial()
	defer c.Close()
	ctx, cancel := streamContext()
	defer cancel()

	ch, err := c.StreamLogs(ctx, flagValue(args, "--level", "info"), flagValue(args, "--tag", ""), tail)
	if err != nil {
		fatal("%s", describeError(err))
	}
	for line := range ch {
		fmt.Println(line)
	}
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("%v", err)
	}
	return string(data)
}

func parseJSONObject(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		fatal("invalid JSON object: %v", err)
	}
	return m
}

// parseJSONValue accepts any JSON value; bare words are taken as strings.
func parseJSONValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
