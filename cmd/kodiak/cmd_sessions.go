// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
	}
	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsShowCommand())
	cmd.AddCommand(newSessionsRenameCommand())
	cmd.AddCommand(newSessionsDeleteCommand())
	return cmd
}

func newSessionsListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveServerURL(), resolveToken())
			sessions, err := client.listSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMODEL\tMSGS\tUPDATED")
			for _, s := range sessions {
				model := s.Model
				if s.Provider != "" {
					model = s.Provider + "/" + s.Model
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.Title, model, s.MessageCount,
					s.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of sessions to list")
	return cmd
}

func newSessionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveServerURL(), resolveToken())
			session, err := client.getSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s)\n", session.Title, session.ID)
			for _, msg := range session.Messages {
				marker := ""
				if msg.Truncated {
					marker = " [truncated]"
				}
				fmt.Printf("\n[%s]%s\n%s\n", msg.Role, marker, msg.Content)
			}
			return nil
		},
	}
}

func newSessionsRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Change a session title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveServerURL(), resolveToken())
			if err := client.renameSession(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Renamed.")
			return nil
		},
	}
}

func newSessionsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Permanently delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveServerURL(), resolveToken())
			if err := client.deleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		},
	}
}
