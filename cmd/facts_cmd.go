package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func factsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Manage group facts (list, delete)",
	}
	cmd.AddCommand(factsListCmd())
	cmd.AddCommand(factsDeleteCmd())
	return cmd
}

func factsListCmd() *cobra.Command {
	var (
		limit      int
		offset     int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list <scope>",
		Short: "List a scope's facts by importance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFactsList(args[0], limit, offset, jsonOutput)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runFactsList(scopeID string, limit, offset int, jsonOutput bool) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()

	if !svc.GroupMemoryEnabled(scopeID) {
		return fmt.Errorf("group memory is not enabled for scope %q", scopeID)
	}

	facts := svc.ListFacts(context.Background(), scopeID, limit, offset)
	if jsonOutput {
		printJSON(facts)
		return nil
	}

	if len(facts) == 0 {
		fmt.Println("No facts.")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tIMPORTANCE\tCREATED\tTOPIC\tFACT")
	for _, f := range facts {
		fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\t%s\n",
			f.ID, f.Importance, formatMS(f.CreatedAtMS), truncate(f.Topic, 20), truncate(f.Fact, 60))
	}
	return w.Flush()
}

func factsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <scope> <id>",
		Short: "Delete a fact by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid fact id %q", args[1])
			}
			return runFactsDelete(args[0], id)
		},
	}
	return cmd
}

func runFactsDelete(scopeID string, id int64) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()

	if !svc.DeleteFact(context.Background(), scopeID, id) {
		return fmt.Errorf("fact %d not found in scope %q", id, scopeID)
	}
	fmt.Printf("Deleted fact %d.\n", id)
	return nil
}
