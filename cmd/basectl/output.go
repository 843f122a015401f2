package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for --field=key
)

var stdout io.Writer = os.Stdout

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		printJSON(data)
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Fprintln(stdout, v)
			}
			return
		}
		for _, k := range sortedKeys(data) {
			fmt.Fprintf(stdout, "%s=%v\n", k, data[k])
		}
	default:
		printTable(data)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		switch val := data[k].(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%s\n", k, joinAny(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	w.Flush()
}

// printRows renders result rows as a table with one column per field,
// ordered by first appearance.
func printRows(rows []any) {
	if outputFormat == "json" {
		printJSON(rows)
		return
	}
	maps := lo.FilterMap(rows, func(r any, _ int) (map[string]any, bool) {
		m, ok := r.(map[string]any)
		return m, ok
	})
	if len(maps) == 0 {
		fmt.Fprintln(stdout, "No rows.")
		return
	}
	var cols []string
	for _, m := range maps {
		cols = lo.Union(cols, sortedKeys(m))
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	for _, m := range maps {
		cells := lo.Map(cols, func(c string, _ int) string {
			if v, ok := m[c]; ok && v != nil {
				return fmt.Sprintf("%v", v)
			}
			return ""
		})
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
	fmt.Fprintf(stdout, "(%d rows)\n", len(maps))
}

func sortedKeys(m map[string]any) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func joinAny(vals []any) string {
	return strings.Join(lo.Map(vals, func(v any, _ int) string { return fmt.Sprintf("%v", v) }), ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Fprintln(stdout, msg)
}
