package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func queryCmd() *cobra.Command {
	var (
		limit         int
		minImportance float64
		jsonOutput    bool
	)
	cmd := &cobra.Command{
		Use:   "query <scope> <text>",
		Short: "Run a relevance-ranked memory query for a scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(args[0], args[1], limit, minImportance, jsonOutput)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (0 = config default)")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "importance floor for the fallback scan")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runQuery(scopeID, text string, limit int, minImportance float64, jsonOutput bool) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()

	if !svc.GroupMemoryEnabled(scopeID) {
		return fmt.Errorf("group memory is not enabled for scope %q", scopeID)
	}

	facts := svc.QueryFacts(context.Background(), scopeID, text, limit, minImportance)
	if jsonOutput {
		printJSON(facts)
		return nil
	}

	if len(facts) == 0 {
		fmt.Println("No results.")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tIMPORTANCE\tTOPIC\tFACT")
	for _, f := range facts {
		fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\n", f.ID, f.Importance, truncate(f.Topic, 20), truncate(f.Fact, 80))
	}
	return w.Flush()
}
