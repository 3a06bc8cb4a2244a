package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func memoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "Manage user memories (list, delete)",
	}
	cmd.AddCommand(memoriesListCmd())
	cmd.AddCommand(memoriesDeleteCmd())
	return cmd
}

func memoriesListCmd() *cobra.Command {
	var (
		groupID    string
		limit      int
		offset     int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list <user>",
		Short: "List a user's memories by importance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoriesList(args[0], groupID, limit, offset, jsonOutput)
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "include this group's memories (plus cross-group)")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runMemoriesList(userID, groupID string, limit, offset int, jsonOutput bool) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()

	if !svc.UserMemoryEnabled(userID) {
		return fmt.Errorf("user memory is not enabled for %q", userID)
	}

	memories := svc.ListMemories(context.Background(), userID, groupID, limit, offset)
	if jsonOutput {
		printJSON(memories)
		return nil
	}

	if len(memories) == 0 {
		fmt.Println("No memories.")
		return nil
	}
	w := newTable()
	fmt.Fprintln(w, "ID\tIMPORTANCE\tGROUP\tUPDATED\tVALUE")
	for _, m := range memories {
		group := m.GroupID
		if group == "" {
			group = "-"
		}
		fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\t%s\n",
			m.ID, m.Importance, group, formatMS(m.UpdatedAtMS), truncate(m.Value, 60))
	}
	return w.Flush()
}

func memoriesDeleteCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid memory id %q", args[0])
			}
			return runMemoriesDelete(id, owner)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "restrict the delete to this user's rows")
	return cmd
}

func runMemoriesDelete(id int64, owner string) error {
	svc, st, err := openService()
	if err != nil {
		return err
	}
	defer st.Close()

	if !svc.DeleteMemory(context.Background(), id, owner) {
		return fmt.Errorf("memory %d not found", id)
	}
	fmt.Printf("Deleted memory %d.\n", id)
	return nil
}
