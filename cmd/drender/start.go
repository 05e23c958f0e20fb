package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/drender/internal/api"
	"github.com/jackzampolin/drender/internal/types"
)

var startFlags struct {
	bucket           string
	key              string
	startFrame       int
	endFrame         int
	framesPerMachine int
	software         string
	brokerHost       string
}

var startCmd = &cobra.Command{
	Use:   "start <project-id>",
	Short: "Start rendering a project",
	Long: `Start rendering a project on the control plane.

The scene is read from the given S3 source; rendered frames land in a
bucket named after the project. The broker host is where workers report
frame completions back to the driver.

Example:
  drender start film-042 \
    --bucket scenes --key film-042/castle.blend \
    --start-frame 1 --end-frame 240 --frames-per-machine 24 \
    --software blender --broker-host 203.0.113.7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &types.ProjectRequest{
			ID:               args[0],
			Source:           types.S3Source{Bucket: startFlags.bucket, Key: startFlags.key},
			StartFrame:       startFlags.startFrame,
			EndFrame:         startFlags.endFrame,
			FramesPerMachine: startFlags.framesPerMachine,
			Software:         types.SoftwareTag(startFlags.software),
			PublicIP:         startFlags.brokerHost,
			Action:           types.ProjectActionStart,
		}
		if err := req.Validate(); err != nil {
			return err
		}
		if startFlags.brokerHost == "" {
			return fmt.Errorf("--broker-host is required")
		}

		client := api.NewClient(serverURL)
		var resp types.ProjectResponse
		if err := client.Post(cmd.Context(), "/api/projects", req, &resp); err != nil {
			return err
		}
		return api.Output(resp)
	},
}

func init() {
	startCmd.Flags().StringVar(&startFlags.bucket, "bucket", "", "Scene source bucket")
	startCmd.Flags().StringVar(&startFlags.key, "key", "", "Scene source object key")
	startCmd.Flags().IntVar(&startFlags.startFrame, "start-frame", 0, "First frame to render")
	startCmd.Flags().IntVar(&startFlags.endFrame, "end-frame", 0, "Last frame to render")
	startCmd.Flags().IntVar(&startFlags.framesPerMachine, "frames-per-machine", 1, "Frames per worker machine")
	startCmd.Flags().StringVar(&startFlags.software, "software", "blender", "Renderer software tag")
	startCmd.Flags().StringVar(&startFlags.brokerHost, "broker-host", "", "Broker host workers report frames to")

	rootCmd.AddCommand(startCmd)
}
