package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// outputValue prints a command result. Maps print as aligned key/value
// lines, lists one entry per line.
func outputValue(v any) {
	if jsonOutput {
		outputJSON(v)
		return
	}
	switch val := v.(type) {
	case nil:
		fmt.Println("(none)")
	case map[string]any:
		keys := make([]string, 0, len(val))
		width := 0
		for k := range val {
			keys = append(keys, k)
			width = max(width, len(k))
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-*s  %s\n", width, k, formatScalar(val[k]))
		}
	case []any:
		if len(val) == 0 {
			fmt.Println("(empty)")
			return
		}
		for _, item := range val {
			fmt.Println(formatScalar(item))
		}
	default:
		fmt.Println(formatScalar(val))
	}
}

// outputServers prints server configs as a table, marking the active one.
func outputServers(v any, activeID string) {
	if jsonOutput {
		outputJSON(v)
		return
	}
	list, _ := v.([]any)
	if len(list) == 0 {
		fmt.Println("No server configs.")
		return
	}
	fmt.Printf("  %-30s %s\n", "ID", "NAME")
	fmt.Println(strings.Repeat("-", 60))
	for _, item := range list {
		m, _ := item.(map[string]any)
		marker := " "
		if id, _ := m["id"].(string); id != "" && id == activeID {
			marker = "*"
		}
		fmt.Printf("%s %-30s %s\n", marker, formatScalar(m["id"]), formatScalar(m["name"]))
	}
}

func formatScalar(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

// outputJSON writes any value as indented JSON to stdout.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "JSON encode error: %v\n", err)
	}
}
