package cmd

import (
	"fmt"

	"ffbot/config"
	"ffbot/job"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBuildCmd())
}

// newBuildCmd prints the command line a job would run without running it.
func newBuildCmd() *cobra.Command {
	var (
		op     string
		inputs []string
		output string
		params map[string]string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Print the ffmpeg command for a job without running it",
		Example: `  ffbot build --op compress --input in.mov --output out.mp4 --param crf=23
  ffbot build --op merge --input a.mp4 --input b.mp4 --output ab.mp4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := job.Build(job.New(job.Operation(op), inputs, output, params))
			if err != nil {
				return err
			}

			bin := "ffmpeg"
			if cfg, err := config.Load(); err == nil && cfg.FFBin != "" {
				bin = cfg.FFBin
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", bin, inv)
			return nil
		},
	}

	cmd.Flags().StringVar(&op, "op", "", "operation name")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input file, repeat for several")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file")
	cmd.Flags().StringToStringVar(&params, "param", nil, "operation parameter as key=value")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
