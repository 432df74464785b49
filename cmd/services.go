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
	"github.com/spf13/viper"

	"github.com/tolmach-ai/tolmach/internal/backend"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List supported backend vendors and their configuration state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		type vendor struct {
			name  string
			ready bool
			note  string
		}

		vendors := []vendor{
			{
				name:  backend.VendorOpenAI,
				ready: viper.GetString("openai-api-key") != "",
				note:  "needs openai-api-key (TOLMACH_OPENAI_API_KEY)",
			},
			{
				name:  backend.VendorOllama,
				ready: true,
				note:  fmt.Sprintf("local, default %s", defaultBaseURLs[backend.VendorOllama]),
			},
			{
				name:  backend.VendorOpenRouter,
				ready: viper.GetString("openrouter-api-key") != "",
				note:  "needs openrouter-api-key (TOLMACH_OPENROUTER_API_KEY)",
			},
			{
				name:  backend.VendorGoogleMT,
				ready: viper.GetString("google-credentials") != "",
				note:  "needs google-credentials (TOLMACH_GOOGLE_CREDENTIALS)",
			},
			{
				name:  backend.VendorMyMemory,
				ready: true,
				note:  "free tier; mymemory-email raises the quota",
			},
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "VENDOR\tCONFIGURED\tNOTES")
		for _, v := range vendors {
			state := "no"
			if v.ready {
				state = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", v.name, state, v.note)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(servicesCmd)
}
