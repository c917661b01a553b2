// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the KodiakChat orchestrator HTTP server.
//
// This is the main entry point for the containerized service. It reads
// configuration from environment variables and runs until SIGINT/SIGTERM.
//
// # Environment Variables
//
//   - KODIAK_PORT: HTTP server port (default: 12210)
//   - KODIAK_DATA_DIR: Badger session database directory (default: ./data/sessions)
//   - KODIAK_MODELS_FILE: model registry YAML (default: built-in registry)
//   - KODIAK_GCS_BUCKET: attachment bucket (default: in-memory store)
//   - KODIAK_AUTH_TOKENS: static bearer tokens as "token:user,token:user"
//     (default: no auth, single local user)
//   - OLLAMA_BASE_URL, OPENAI_API_KEY, ANTHROPIC_API_KEY: provider config
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	./orchestrator
package main

import (
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/KodiakAI/KodiakChat/pkg/extensions"
	"github.com/KodiakAI/KodiakChat/services/orchestrator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := orchestrator.ConfigFromEnv()
	opts := extensions.DefaultOptions()
	if provider := staticAuthFromEnv(); provider != nil {
		opts = opts.WithAuth(provider)
		slog.Info("Static token authentication enabled")
	}

	svc, err := orchestrator.New(cfg, &opts)
	if err != nil {
		log.Fatalf("failed to initialize orchestrator: %v", err)
	}
	if err := svc.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// staticAuthFromEnv parses KODIAK_AUTH_TOKENS ("token:user,token:user")
// into a static token provider. Returns nil when the variable is unset,
// which selects the no-auth local-user default.
func staticAuthFromEnv() extensions.AuthProvider {
	raw := os.Getenv("KODIAK_AUTH_TOKENS")
	if raw == "" {
		return nil
	}
	users := make(map[string]extensions.AuthInfo)
	for _, pair := range strings.Split(raw, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || user == "" {
			slog.Warn("Skipping malformed KODIAK_AUTH_TOKENS entry")
			continue
		}
		users[token] = extensions.AuthInfo{UserID: user}
	}
	if len(users) == 0 {
		return nil
	}
	return extensions.NewStaticTokenAuthProvider(users)
}
