package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

var searchCmd = &cobra.Command{
	Use:   "search TITLE...",
	Short: "Find books whose titles contain every token of TITLE",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	books, err := mgr.SearchSummaries(cmd.Context(), query)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if books == nil {
			books = []types.Book{}
		}
		return printJSON(out, types.SearchResponse{Query: query, Books: books})
	}

	if len(books) == 0 {
		fmt.Fprintln(out, "No books found.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "FINGERPRINT\tTITLE\tAUTHOR\tSTATE")
	for _, b := range books {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			b.Fingerprint(),
			b.Title,
			b.Author,
			b.State,
		)
	}
	return w.Flush()
}
