package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"tasksync/internal/client"
	"tasksync/internal/wire"
)

func presenceCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "presence <roomId>",
		Short: "Print the current presence snapshot of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireToken(); err != nil {
				return err
			}
			rest := client.NewREST(flags.server, flags.token, nil)

			var snapshot wire.PresenceSnapshot
			path := "/api/rooms/" + url.PathEscape(args[0]) + "/presence"
			if err := rest.Do(cmd.Context(), http.MethodGet, path, nil, &snapshot); err != nil {
				return err
			}
			out, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
