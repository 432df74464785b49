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

	"github.com/tolmach-ai/tolmach/internal/store"
)

var glossaryCmd = &cobra.Command{
	Use:   "glossary",
	Short: "Manage per-locale translation rules",
	Long: `Manage the free-text rules injected into every translation prompt
for a locale. Rules are applied in the order they were added:

  tolmach glossary add uk "Keep the brand name Tolmach untranslated"
  tolmach glossary list uk
  tolmach glossary remove <rule-id>`,
}

var glossaryAddCmd = &cobra.Command{
	Use:   "add <locale> <rule>",
	Short: "Add a rule for a target locale",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		id, err := db.AddRule(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Added rule %s for %s\n", id, args[0])
		return nil
	},
}

var glossaryListCmd = &cobra.Command{
	Use:   "list <locale>",
	Short: "List rules for a target locale in prompt order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		rules, err := db.ListRules(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Printf("No rules for %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "POS\tID\tRULE")
		for _, r := range rules {
			fmt.Fprintf(w, "%d\t%s\t%s\n", r.Position, r.ID, r.Text)
		}
		return w.Flush()
	},
}

var glossaryRemoveCmd = &cobra.Command{
	Use:   "remove <rule-id>",
	Short: "Remove a rule by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.RemoveRule(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed rule %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(glossaryCmd)
	glossaryCmd.AddCommand(glossaryAddCmd)
	glossaryCmd.AddCommand(glossaryListCmd)
	glossaryCmd.AddCommand(glossaryRemoveCmd)

	glossaryCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath(), "sqlite database path")
}
