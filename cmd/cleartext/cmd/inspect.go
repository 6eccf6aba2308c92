package cmd

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-cleartext/internal/checkpoint"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "List the hyperparameters and weights stored in a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := checkpoint.InspectFile(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		keys := make([]string, 0, len(s.Metadata))
		for k := range s.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k, s.Metadata[k])
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "NAME\tSHAPE\tTRAINABLE")
		trainable, total := 0, 0
		for _, e := range s.Entries {
			fmt.Fprintf(w, "%s\t(%d, %d)\t%v\n", e.Name, e.Rows, e.Cols, e.Trainable)
			n := e.Rows * e.Cols
			total += n
			if e.Trainable {
				trainable += n
			}
		}
		fmt.Fprintf(w, "\ntrainable parameters\t%d\ntotal parameters\t%d\n", trainable, total)
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
