// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command kodiak is the terminal client for the KodiakChat orchestrator.
//
// # Usage
//
//	kodiak chat                      # interactive streaming chat
//	kodiak chat --resume <id>        # continue an existing session
//	kodiak ask "one-shot question"   # single turn, print the answer
//	kodiak sessions list             # list your sessions
//	kodiak sessions rename <id> <t>  # retitle a session
//	kodiak sessions delete <id>      # hard-delete a session
//	kodiak models                    # show the model allow-list
//
// The server address comes from --server or KODIAK_SERVER_URL
// (default http://localhost:12210). A bearer token, when the deployment
// requires one, comes from --token or KODIAK_TOKEN.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

func main() {
	root := &cobra.Command{
		Use:           "kodiak",
		Short:         "Terminal client for the KodiakChat orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "",
		"orchestrator base URL (default $KODIAK_SERVER_URL or http://localhost:12210)")
	root.PersistentFlags().StringVar(&authToken, "token", "",
		"bearer token (default $KODIAK_TOKEN)")

	root.AddCommand(newChatCommand())
	root.AddCommand(newAskCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newModelsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveServerURL applies the flag/env/default precedence.
func resolveServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if env := os.Getenv("KODIAK_SERVER_URL"); env != "" {
		return env
	}
	return "http://localhost:12210"
}

func resolveToken() string {
	if authToken != "" {
		return authToken
	}
	return os.Getenv("KODIAK_TOKEN")
}
