// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KodiakAI/KodiakChat/services/orchestrator/datatypes"
)

// newChatCommand builds the interactive chat loop.
//
// Each turn sends the full local transcript; the server reconciles it
// against stored history, so resuming a session mid-conversation from
// another client stays consistent.
func newChatCommand() *cobra.Command {
	var (
		model  string
		resume string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive streaming chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveServerURL(), resolveToken())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessionID := resume
			var transcript []datatypes.Message
			if resume != "" {
				session, err := client.getSession(ctx, resume)
				if err != nil {
					return fmt.Errorf("resume session %s: %w", resume, err)
				}
				transcript = session.Messages
				fmt.Printf("Resuming %q (%d messages)\n", session.Title, len(session.Messages))
			}

			fmt.Println("Type your message and press Enter. Type 'exit' or 'quit' to leave.")
			reader := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("\n> ")
				if !reader.Scan() {
					fmt.Println()
					return reader.Err()
				}
				input := strings.TrimSpace(reader.Text())
				if input == "" {
					continue
				}
				if input == "exit" || input == "quit" {
					return nil
				}

				transcript = append(transcript, datatypes.Message{
					Role:    datatypes.RoleUser,
					Content: input,
				})
				answer, err := runTurn(ctx, client, datatypes.ChatStreamRequest{
					SessionID: sessionID,
					Model:     model,
					Messages:  transcript,
				}, &sessionID)
				if err != nil {
					if ctx.Err() != nil {
						fmt.Println("\nInterrupted.")
						return nil
					}
					// Drop the failed turn so the next attempt resends it cleanly.
					transcript = transcript[:len(transcript)-1]
					fmt.Fprintln(os.Stderr, "Error:", err)
					continue
				}
				if answer != "" {
					transcript = append(transcript, datatypes.Message{
						Role:    datatypes.RoleAssistant,
						Content: answer,
					})
				}
			}
		},
	}

	cmd.Flags().StringVar(&model, "model", "", `model identifier, e.g. "ollama/gpt-oss" (default: server default)`)
	cmd.Flags().StringVar(&resume, "resume", "", "session id to continue")
	return cmd
}

// newAskCommand builds the one-shot question command.
func newAskCommand() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question and print the streamed answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveServerURL(), resolveToken())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			req := datatypes.ChatStreamRequest{
				Model: model,
				Messages: []datatypes.Message{
					{Role: datatypes.RoleUser, Content: strings.Join(args, " ")},
				},
			}
			var sessionID string
			if _, err := runTurn(ctx, client, req, &sessionID); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model identifier (default: server default)")
	return cmd
}

// runTurn streams one turn, printing chunks as they arrive, and returns
// the accumulated assistant answer. sessionID is updated in place from
// the opening frame so followup turns reuse the session.
func runTurn(ctx context.Context, client *apiClient, req datatypes.ChatStreamRequest, sessionID *string) (string, error) {
	var (
		answer    strings.Builder
		streamErr string
	)
	err := client.stream(ctx, req, streamHandler{
		OnSession: func(id string) { *sessionID = id },
		OnChunk: func(chunk string) {
			answer.WriteString(chunk)
			fmt.Print(chunk)
		},
		OnError: func(msg string) { streamErr = msg },
	})
	fmt.Println()
	if err != nil {
		return answer.String(), err
	}
	if streamErr != "" {
		return answer.String(), fmt.Errorf("%s", streamErr)
	}
	return answer.String(), nil
}
