package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChineseWriter/novel-dl/internal/importer"
	"github.com/ChineseWriter/novel-dl/internal/shard"
)

var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Add EPUB books with their chapters to the library",
	Long: `Read whole books from EPUB files and merge each into the library.

Books written by "noveldl export --format epub" and by Tomato-Novel-Downloader
keep their state, tags and sources; other EPUBs contribute their package
metadata and one chapter per headed page.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

type importResult struct {
	File        string `json:"file"`
	Fingerprint string `json:"fingerprint"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Chapters    int    `json:"chapters"`
	Shard       string `json:"shard"`
	Created     bool   `json:"created"`
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	results := make([]importResult, 0, len(args))
	for _, name := range args {
		book, err := importer.OpenEPUB(name)
		if err != nil {
			return fmt.Errorf("import %s: %w", name, err)
		}
		res, err := mgr.AddBook(ctx, *book)
		if err != nil {
			return fmt.Errorf("import %s: %w", name, err)
		}
		results = append(results, importResult{
			File:        name,
			Fingerprint: book.Fingerprint(),
			Title:       book.Title,
			Author:      book.Author,
			Chapters:    len(book.Chapters),
			Shard:       shard.Name(res.Shard),
			Created:     res.Created,
		})

		if !jsonOutput {
			verb := "Merged"
			if res.Created {
				verb = "Imported"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %q by %s (%d chapters) into shard %s\n",
				verb, book.Title, book.Author, len(book.Chapters), shard.Name(res.Shard))
		}
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), results)
	}
	return nil
}
