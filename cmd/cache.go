/*
Copyright © 2026 Tolmach Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tolmach-ai/tolmach/internal/cache"
	"github.com/tolmach-ai/tolmach/internal/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the translation memory",
	Long: `Inspect and manage the local translation memory and, when a Redis
URL is given, the shared cache.

  tolmach cache stats
  tolmach cache list
  tolmach cache invalidate <entry-id>
  tolmach cache clear --redis-url redis://localhost:6379`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show translation memory statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		stats, err := db.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Entries:     %d\n", stats.TotalEntries)
		fmt.Printf("Active:      %d\n", stats.ActiveEntries)
		fmt.Printf("Invalidated: %d\n", stats.InvalidEntries)
		fmt.Printf("Total hits:  %d\n", stats.TotalUsage)
		return nil
	},
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List translation memory entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		entries, err := db.ListMemory(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Translation memory is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLOCALES\tHITS\tSOURCE\tTRANSLATED")
		for _, e := range entries {
			status := ""
			if e.Invalidated {
				status = " (stale)"
			}
			fmt.Fprintf(w, "%s\t%s>%s\t%d\t%s\t%s%s\n",
				e.ID, e.SourceLocale, e.TargetLocale, e.UsageCount,
				truncate(e.SourceText, 40), truncate(e.Translated, 40), status)
		}
		return w.Flush()
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <entry-id>",
	Short: "Mark a memory entry stale without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Invalidate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Invalidated %s\n", args[0])
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the translation memory and, if configured, the Redis cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		n, err := db.ClearMemory(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d memory entries\n", n)

		if redisURL != "" {
			rc, err := cache.NewRedis(cache.RedisConfig{URL: redisURL})
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			defer rc.Close()
			if err := rc.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Cleared Redis cache")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	cacheCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "sqlite database path")
	cacheClearCmd.Flags().StringVar(&redisURL, "redis-url", "", "redis URL for the shared cache")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
