package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/drender/internal/api"
	"github.com/jackzampolin/drender/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show a project's rendering progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := api.NewClient(serverURL)
		var resp types.ProjectResponse
		if err := client.Get(cmd.Context(), "/api/projects/"+args[0], &resp); err != nil {
			return err
		}
		return api.Output(resp)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
