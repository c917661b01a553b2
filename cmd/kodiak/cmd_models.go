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

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show the server's model allow-list",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(resolveServerURL(), resolveToken())
			models, err := client.listModels(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Default model: %s\n\n", models.Default)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tNAME\tVISION\tAVAILABLE")
			for _, p := range models.Providers {
				available := "no"
				if p.Available {
					available = "yes"
				}
				for _, m := range p.Models {
					vision := ""
					if m.Vision {
						vision = "yes"
					}
					fmt.Fprintf(w, "%s/%s\t%s\t%s\t%s\n",
						m.Provider, m.Model, m.DisplayName, vision, available)
				}
			}
			return w.Flush()
		},
	}
}
