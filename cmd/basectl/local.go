package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/org/basegate/internal/auth"
	"github.com/org/basegate/internal/config"
	"github.com/org/basegate/internal/connpool"
	"github.com/org/basegate/internal/crypto"
	"github.com/org/basegate/internal/query"
	"github.com/org/basegate/internal/storage"
	"github.com/org/basegate/pkg/models"
)

// Commands in this file read the server config and talk to the control
// plane directly instead of going through the HTTP API.

func serverConfigPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if v := os.Getenv("BASEGATE_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Server config file (default $BASEGATE_CONFIG or config.yaml)")
}

func loadServerConfig(cmd *cobra.Command) (config.Config, error) {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	path := serverConfigPath(cmd)
	c, found, err := config.Load(path)
	if err != nil {
		return c, err
	}
	if !found {
		fmt.Fprintf(os.Stderr, "config file %s not found, using defaults and environment\n", path)
	}
	return c, nil
}

func openControlPlane(ctx context.Context, c config.Config) (*storage.SQLBackend, error) {
	if c.ControlPlane.DSN == "" {
		return nil, errors.New("control_plane.dsn is required (or DATABASE_URL)")
	}
	opts := storage.DefaultOptions()
	opts.CallTimeout = c.ControlPlane.CallTimeout.Std()
	if c.ControlPlane.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = c.ControlPlane.MaxAttempts
	}
	return storage.Open(ctx, storage.Dialect(c.ControlPlane.Driver), c.ControlPlane.DSN, opts)
}

// --- migrate ---

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply control-plane schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadServerConfig(cmd)
			if err != nil {
				return err
			}
			if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
				c.ControlPlane.MigrationsDir = dir
			}
			backend, err := openControlPlane(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := storage.RunMigrations(backend.DB().DB, storage.Dialect(c.ControlPlane.Driver), c.ControlPlane.MigrationsDir); err != nil {
				return err
			}
			printSuccess("Success! Migrations applied.")
			return nil
		},
	}
	addConfigFlag(cmd)
	cmd.Flags().String("dir", "", "Migrations root (overrides control_plane.migrations_dir)")
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Session token tools"}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token for a tenant without a panel login",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetInt64("tenant")
			userID, _ := cmd.Flags().GetInt64("user-id")
			email, _ := cmd.Flags().GetString("email")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			save, _ := cmd.Flags().GetBool("save")
			if tenantID <= 0 || userID <= 0 {
				return errors.New("--tenant and --user-id are required")
			}

			c, err := loadServerConfig(cmd)
			if err != nil {
				return err
			}
			if c.Session.SigningKey == "" || c.Session.EncryptionKey == "" {
				return errors.New("session.signing_key and session.encryption_key are required")
			}
			backend, err := openControlPlane(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer backend.Close()

			tenant, err := backend.GetTenantConfig(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			codec, err := crypto.NewCodec(c.Session.EncryptionKey)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = c.Session.TTL.Std()
			}
			sessions, err := auth.NewSessionService(c.Session.SigningKey, codec, nil, auth.Options{TTL: ttl, Issuer: c.Session.Issuer})
			if err != nil {
				return err
			}
			token, expiresAt, err := sessions.Issue(models.SessionUser{
				ID:    userID,
				Email: email,
				Roles: upper(roles),
			}, tenant)
			if err != nil {
				return err
			}

			if save {
				cfg.Token = token
				if err := saveConfig(); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Token saved to config.")
			}
			printResult(map[string]any{
				"token":      token,
				"tenant_id":  tenantID,
				"expires_at": expiresAt.Format(time.RFC3339),
			})
			return nil
		},
	}
	addConfigFlag(issueCmd)
	issueCmd.Flags().Int64("tenant", 0, "Tenant id (base_config.id_base)")
	issueCmd.Flags().Int64("user-id", 0, "Subject id to embed")
	issueCmd.Flags().String("email", "", "Subject email")
	issueCmd.Flags().StringSlice("role", []string{auth.RoleAdmin}, "Roles to embed")
	issueCmd.Flags().Duration("ttl", 0, "Token lifetime (session.ttl when zero)")
	issueCmd.Flags().Bool("save", false, "Save the token to the CLI config")

	cmd.AddCommand(issueCmd)
	return cmd
}

func upper(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

// --- probe ---

func probeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <tenant-id>",
		Short: "Resolve a tenant from the control plane and test its database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tenantID int64
			if _, err := fmt.Sscan(args[0], &tenantID); err != nil || tenantID <= 0 {
				return fmt.Errorf("invalid tenant id %q", args[0])
			}
			c, err := loadServerConfig(cmd)
			if err != nil {
				return err
			}
			backend, err := openControlPlane(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer backend.Close()

			registry := connpool.NewRegistry(connpool.Config{
				ProbeTimeout:   c.Tenant.ProbeTimeout.Std(),
				ConnectTimeout: c.Tenant.ConnectTimeout.Std(),
			}, connpool.FirebirdDialer{}, connpool.WithResolver(backend))
			defer registry.CloseAll() //nolint:errcheck

			executor := query.NewExecutor(registry, query.Config{
				Timeout:           c.Tenant.QueryTimeout.Std(),
				MaxCorruptRetries: c.Tenant.MaxCorruptRetries,
				CorruptionMarkers: c.Tenant.CorruptionMarkers,
			})
			res := executor.TestConnection(cmd.Context(), tenantID, nil)
			out := map[string]any{
				"tenant_id":  tenantID,
				"success":    res.Success,
				"message":    res.Message,
				"latency_ms": res.LatencyMs,
			}
			if res.ServerTime != nil {
				out["server_time"] = res.ServerTime
			}
			printResult(out)
			if !res.Success {
				return errReported
			}
			return nil
		},
	}
	addConfigFlag(cmd)
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Server config tools"}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the server config and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadServerConfig(cmd)
			if err != nil {
				return err
			}
			printResult(map[string]any{
				"listen_addr":            c.ListenAddr,
				"control_plane_driver":   c.ControlPlane.Driver,
				"control_plane_dsn":      redact(c.ControlPlane.DSN),
				"cache_redis_addr":       c.Cache.RedisAddr,
				"session_ttl":            c.Session.TTL.Std().String(),
				"session_signing_key":    redact(c.Session.SigningKey),
				"session_encryption_key": redact(c.Session.EncryptionKey),
				"tenant_query_timeout":   c.Tenant.QueryTimeout.Std().String(),
				"tenant_max_idle":        c.Tenant.MaxIdle.Std().String(),
			})
			if err := c.Validate(); err != nil {
				return err
			}
			printSuccess("Config OK.")
			return nil
		},
	}
	addConfigFlag(checkCmd)
	cmd.AddCommand(checkCmd)
	return cmd
}

func redact(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "(set)"
}
