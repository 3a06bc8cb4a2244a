package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store row counts and index parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runStats(jsonOutput bool) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := svc.Stats(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(stats)
		return nil
	}

	w := newTable()
	fmt.Fprintf(w, "Facts\t%d\n", stats.FactCount)
	fmt.Fprintf(w, "Memories\t%d\n", stats.MemoryCount)
	fmt.Fprintf(w, "Vectors\t%d\n", stats.VectorCount)
	fmt.Fprintf(w, "Cursors\t%d\n", stats.CursorCount)
	fmt.Fprintf(w, "Tokenizer\t%s\n", stats.Tokenizer)
	fmt.Fprintf(w, "Vector dimension\t%d\n", stats.VectorDimension)
	if stats.EmbedModel != "" {
		fmt.Fprintf(w, "Embed model\t%s\n", stats.EmbedModel)
	}
	return w.Flush()
}
