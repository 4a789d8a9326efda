package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChineseWriter/novel-dl/internal/types"
)

var shardCmd = &cobra.Command{
	Use:   "shard",
	Short: "Inspect shards",
	Long:  "List and inspect the shard files of the library without running the server.",
}

var shardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all shards",
	Args:  cobra.NoArgs,
	RunE:  runShardList,
}

var shardInfoCmd = &cobra.Command{
	Use:   "info INDEX",
	Short: "Show detailed information about a shard",
	Args:  cobra.ExactArgs(1),
	RunE:  runShardInfo,
}

func init() {
	shardCmd.AddCommand(shardListCmd)
	shardCmd.AddCommand(shardInfoCmd)
}

func runShardList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	shards, err := mgr.ListShards(cmd.Context())
	if err != nil {
		return fmt.Errorf("list shards: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if shards == nil {
			shards = []types.ShardInfo{}
		}
		return printJSON(out, map[string]any{
			"shards":   shards,
			"total":    len(shards),
			"capacity": mgr.Capacity(),
		})
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "SHARD\tBOOKS\tSIZE\tCREATED\tSTATUS")
	for _, s := range shards {
		status := "open"
		switch {
		case s.Current:
			status = "current"
		case s.SealedAt != nil:
			status = "sealed"
		}
		fmt.Fprintf(w, "%s\t%d/%d\t%s\t%s\t%s\n",
			s.Name,
			s.BookCount,
			mgr.Capacity(),
			formatSize(s.SizeBytes),
			s.Created.Format("2006-01-02 15:04"),
			status,
		)
	}
	return w.Flush()
}

func runShardInfo(cmd *cobra.Command, args []string) error {
	index, err := parseShardIndex(args[0])
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

	sh, err := mgr.Shard(index)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	info, err := sh.Info(ctx)
	if err != nil {
		return err
	}
	info.Current = index == mgr.Current()
	stats, err := sh.Store.GetStats(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, struct {
			types.ShardInfo
			Stats *types.ShardStats `json:"stats"`
			Path  string            `json:"path"`
		}{info, stats, sh.BasePath})
	}

	const layout = "2006-01-02 15:04:05 MST"
	fmt.Fprintf(out, "Shard:         %s\n", info.Name)
	fmt.Fprintf(out, "Current:       %t\n", info.Current)
	fmt.Fprintf(out, "Books:         %d/%d\n", stats.BookCount, mgr.Capacity())
	fmt.Fprintf(out, "Chapters:      %d\n", stats.ChapterCount)
	fmt.Fprintf(out, "Covers:        %d\n", stats.CoverCount)
	fmt.Fprintf(out, "Title tokens:  %d\n", stats.TokenCount)
	fmt.Fprintf(out, "Size:          %s\n", formatSize(info.SizeBytes))
	fmt.Fprintf(out, "Created:       %s\n", info.Created.Format(layout))
	fmt.Fprintf(out, "Last Accessed: %s\n", info.LastAccessed.Format(layout))
	if info.SealedAt != nil {
		fmt.Fprintf(out, "Sealed:        %s\n", info.SealedAt.Format(layout))
	}
	if stats.LastSnapshot != nil {
		fmt.Fprintf(out, "Snapshot:      %s\n", stats.LastSnapshot.Format(layout))
	}
	fmt.Fprintf(out, "Path:          %s\n", sh.BasePath)
	return nil
}
