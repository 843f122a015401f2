package main

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// errReported marks an error already printed to the user.
var errReported = errors.New("command failed")

var rootCmd = &cobra.Command{
	Use:           "basectl",
	Short:         "basegate operator CLI",
	Long:          "Operate a basegate server: run tenant queries, inspect connections, manage the control plane.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			printError(err.Error())
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(testConnectionCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(configCmd())
}

func fail(err error) error {
	printError(err.Error())
	return errReported
}

// --- session ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <token>",
		Short: "Save a session token and server address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				if _, err := url.ParseRequestURI(addr); err != nil {
					return fail(err)
				}
				cfg.Address = strings.TrimRight(addr, "/")
			}
			cfg.Token = args[0]
			if err := saveConfig(); err != nil {
				return fail(err)
			}
			printSuccess("Token saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address, e.g. https://basegate.internal:8300")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Close the tenant connection for the current session and forget the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/auth/logout", nil)
			if err != nil {
				return fail(err)
			}
			if w, ok := result["warning"].(string); ok {
				printError(w)
			}
			cfg.Token = ""
			if err := saveConfig(); err != nil {
				return fail(err)
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session and what it may call",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/auth/session")
			if err != nil {
				return fail(err)
			}
			printResult(result)
			return nil
		},
	}
}

// --- ops API ---

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/health")
			if err != nil {
				return fail(err)
			}
			printResult(result)
			return nil
		},
	}
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <sql> [param ...]",
		Short: "Run a query against the session's tenant database",
		Long:  "Run a query against the session's tenant database. Params bind to ? placeholders in order; integers and decimals are sent as numbers.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			body := map[string]any{
				"sql":    args[0],
				"params": parseParams(args[1:]),
			}
			if timeout > 0 {
				body["timeout_ms"] = timeout.Milliseconds()
			}
			result, err := newClient().post("/v1/erp/query", body)
			if err != nil {
				return fail(err)
			}
			rows, _ := result["data"].([]any)
			printRows(rows)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "Query timeout (server default when zero)")
	return cmd
}

// parseParams sends numeric-looking arguments as numbers.
func parseParams(args []string) []any {
	params := make([]any, len(args))
	for i, a := range args {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			params[i] = n
		} else if f, err := strconv.ParseFloat(a, 64); err == nil {
			params[i] = f
		} else {
			params[i] = a
		}
	}
	return params
}

func testConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Check the session's tenant database",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/erp/test-connection", nil)
			if err != nil {
				return fail(err)
			}
			printResult(result)
			if ok, _ := result["success"].(bool); !ok {
				return errReported
			}
			return nil
		},
	}
}

func connectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List cached tenant connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/connections")
			if err != nil {
				return fail(err)
			}
			rows, _ := result["data"].([]any)
			printRows(rows)
			return nil
		},
	}
}
