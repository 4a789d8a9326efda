package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChineseWriter/novel-dl/internal/export"
	"github.com/ChineseWriter/novel-dl/internal/fingerprint"
	"github.com/ChineseWriter/novel-dl/internal/types"
)

var (
	exportOutput string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export FINGERPRINT",
	Short: "Write a book as plain text or EPUB",
	Long: `Write a book and its chapters as plain text or EPUB. The book goes to
standard output unless --output names a file or an existing directory; a
directory receives "<title> - <author>.txt" or "<title> - <author>.epub".`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Output file or directory (default stdout)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "txt",
		"Output format: txt or epub")
}

// exportWriter returns the renderer and file name for the chosen format.
func exportWriter(format string) (func(io.Writer, types.Book) error, func(types.Book) string, error) {
	switch format {
	case "txt", "":
		write := func(w io.Writer, b types.Book) error { return export.WriteText(w, b, time.Local) }
		return write, export.Filename, nil
	case "epub":
		return export.WriteEPUB, export.EPUBFilename, nil
	default:
		return nil, nil, fmt.Errorf("unknown export format %q: want txt or epub", format)
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	fp := args[0]
	if !fingerprint.Valid(fp) {
		return fmt.Errorf("invalid fingerprint %q: must be 64 lowercase hex characters", fp)
	}

	write, filename, err := exportWriter(exportFormat)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	book, err := mgr.GetBook(cmd.Context(), fp)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		return write(cmd.OutOrStdout(), *book)
	}

	path := exportOutput
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, filename(*book))
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	w := bufio.NewWriter(f)
	err = errors.Join(write(w, *book), w.Flush(), f.Close())
	if err != nil {
		return fmt.Errorf("write export: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Exported %q (%d chapters) to %s\n", book.Title, len(book.Chapters), path)
	return nil
}
