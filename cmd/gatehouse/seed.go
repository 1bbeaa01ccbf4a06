package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/gatehouse-dev/gatehouse/internal/config"
	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
	"github.com/gatehouse-dev/gatehouse/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo API credential and rate limit override (idempotent)",
	RunE:  runSeed,
}

var ensureAdminCmd = &cobra.Command{
	Use:   "ensure-admin",
	Short: "Ensure the default admin account exists",
	RunE:  runEnsureAdmin,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(ensureAdminCmd)
}

func runEnsureAdmin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool)
	id, err := st.CreateUser(ctx, "admin@gatehouse.dev", "gatehouse", "admin")
	if err != nil {
		return err
	}
	slog.Info("admin account ensured", "id", id, "email", "admin@gatehouse.dev")
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool)

	// Demo API credential with a generous override.
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating credential: %w", err)
	}
	plaintext := principal.CredentialPrefix + base64.RawURLEncoding.EncodeToString(b)

	id, err := st.CreateAPICredential(ctx, "demo",
		principal.HashCredential(plaintext), plaintext[:14])
	if err != nil {
		return err
	}

	err = st.SetRateLimit(ctx, "", id, ratelimit.LimitConfig{
		PerMinute:  60,
		PerHour:    1000,
		PerDay:     10000,
		Concurrent: 5,
		Priority:   10,
	})
	if err != nil {
		return err
	}

	slog.Info("seeded demo credential", "id", id)
	fmt.Printf("demo API credential (store it now, it is not retrievable later):\n%s\n", plaintext)
	return nil
}
