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
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tolmach-ai/tolmach/internal/backend"
)

var defaultBaseURLs = map[string]string{
	backend.VendorOllama:     "http://localhost:11434",
	backend.VendorOpenRouter: "https://openrouter.ai/api/v1",
}

// parseProviderSpecs turns "vendor:model" strings into provider configs,
// filling credentials and endpoints from viper (config file or TOLMACH_
// environment).
func parseProviderSpecs(specs []string, temperature float32, maxTokens int, timeout time.Duration) ([]backend.ProviderConfig, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	configs := make([]backend.ProviderConfig, 0, len(specs))
	for _, spec := range specs {
		pc, err := parseProviderSpec(spec, temperature, maxTokens, timeout)
		if err != nil {
			return nil, err
		}
		configs = append(configs, pc)
	}
	return configs, nil
}

func parseProviderSpec(spec string, temperature float32, maxTokens int, timeout time.Duration) (backend.ProviderConfig, error) {
	vendor, model, _ := strings.Cut(spec, ":")
	vendor = strings.TrimSpace(vendor)

	pc := backend.ProviderConfig{
		Vendor:      vendor,
		Model:       strings.TrimSpace(model),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Timeout:     timeout,
	}

	switch vendor {
	case backend.VendorOpenAI:
		pc.APIKey = viper.GetString("openai-api-key")
		pc.BaseURL = viper.GetString("openai-base-url")
	case backend.VendorOllama:
		pc.BaseURL = viper.GetString("ollama-base-url")
	case backend.VendorOpenRouter:
		pc.APIKey = viper.GetString("openrouter-api-key")
		pc.BaseURL = viper.GetString("openrouter-base-url")
	case backend.VendorGoogleMT:
		pc.Credentials = viper.GetString("google-credentials")
	case backend.VendorMyMemory:
		pc.Credentials = viper.GetString("mymemory-email")
	default:
		return pc, fmt.Errorf("unknown provider vendor %q in %q", vendor, spec)
	}

	if pc.BaseURL == "" {
		pc.BaseURL = defaultBaseURLs[vendor]
	}
	return pc, nil
}
