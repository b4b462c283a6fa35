package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hcen/registry/internal/config"
	"github.com/hcen/registry/internal/domain/accesslog"
	"github.com/hcen/registry/internal/platform/auth"
	"github.com/hcen/registry/internal/platform/db"
	"github.com/hcen/registry/migrations"
)

func openMigrator(ctx context.Context, cfg *config.Config, dir string) (*db.Migrator, func(), error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	if dir != "" {
		return db.NewDirMigrator(pool, dir), pool.Close, nil
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, cfg, dir)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)
			count, err := migrator.Up(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			migrator, closePool, err := openMigrator(ctx, cfg, dir)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx, cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func serviceTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servicetoken",
		Short: "Manage backend service credentials",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for service tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := auth.GenerateServiceKeypair()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "SERVICE_TOKEN_PUBLIC_KEY=%s\n", hex.EncodeToString(pub))
			fmt.Fprintf(cmd.OutOrStdout(), "SERVICE_TOKEN_PRIVATE_KEY=%s\n", hex.EncodeToString(priv))
			return nil
		},
	})

	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a service token for a backend caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyHex, _ := cmd.Flags().GetString("private-key")
			if keyHex == "" {
				keyHex = os.Getenv("SERVICE_TOKEN_PRIVATE_KEY")
			}
			subject, _ := cmd.Flags().GetString("subject")
			audience, _ := cmd.Flags().GetString("audience")
			tenant, _ := cmd.Flags().GetString("tenant")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := mintToken(keyHex, subject, audience, tenant, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	mint.Flags().String("private-key", "", "Hex Ed25519 private key (default $SERVICE_TOKEN_PRIVATE_KEY)")
	mint.Flags().String("subject", "", "Calling service identifier")
	mint.Flags().String("audience", "hcen-registry", "Audience the registry expects")
	mint.Flags().String("tenant", "", "Tenant the service acts for")
	mint.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	cmd.AddCommand(mint)

	return cmd
}

// mintToken returns an X-Service-Token header value.
func mintToken(privateKeyHex, subject, audience, tenant string, ttl time.Duration, now time.Time) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("--subject is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("--ttl must be positive")
	}
	if tenant != "" && !db.ValidTenantID(tenant) {
		return "", fmt.Errorf("invalid tenant id %q", tenant)
	}
	key, err := hex.DecodeString(privateKeyHex)
	if err != nil || len(key) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("private key must be %d hex-encoded bytes", ed25519.PrivateKeySize)
	}
	id, err := auth.NewTokenID()
	if err != nil {
		return "", err
	}
	raw, err := auth.MintServiceToken(ed25519.PrivateKey(key), &auth.ServiceToken{
		Subject:   subject,
		Audience:  audience,
		TenantID:  tenant,
		ID:        id,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	return auth.EncodeServiceToken(raw), nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log maintenance",
	}

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Write dead-lettered audit entries back into the access log",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("max")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required for audit replay")
			}
			logger := newLogger(cfg.Env)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			rdb, err := accesslog.OpenRedis(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			dead := accesslog.NewRedisDeadLetter(rdb, logger)
			store := accesslog.NewService(accesslog.NewRepoPG(pool), logger)
			res, err := dead.Replay(ctx, store, limit)
			printReplay(cmd.OutOrStdout(), res)
			return err
		},
	}
	replay.Flags().Int("max", 0, "Replay at most this many entries (0 = all)")
	cmd.AddCommand(replay)

	return cmd
}

func printReplay(w io.Writer, res accesslog.ReplayResult) {
	fmt.Fprintf(w, "Replayed %d audit entr%s, dropped %d.\n", res.Replayed, plural(res.Replayed), res.Dropped)
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
