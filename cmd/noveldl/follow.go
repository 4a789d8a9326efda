package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChineseWriter/novel-dl/internal/client"
	"github.com/ChineseWriter/novel-dl/internal/store"
)

var (
	followServer   string
	followAfter    int64
	followPageSize int
	followInterval time.Duration
)

var followCmd = &cobra.Command{
	Use:   "follow SHARD",
	Short: "Print the change log of a shard on a running server",
	Long: `Page through the change log of one shard on a novel-dl server and print
each change as a JSON line. Without --interval the command stops once it has
caught up; with it, the log is polled until interrupted.

The API key is read from NOVELDL_API_KEY.`,
	Args: cobra.ExactArgs(1),
	RunE: runFollow,
}

func init() {
	followCmd.Flags().StringVar(&followServer, "server", "",
		"Base URL of the novel-dl server (required)")
	followCmd.Flags().Int64Var(&followAfter, "after", 0,
		"Start after this sequence number")
	followCmd.Flags().IntVar(&followPageSize, "page-size", 0,
		"Changes per request (default from server)")
	followCmd.Flags().DurationVar(&followInterval, "interval", 0,
		"Poll interval; 0 stops after catching up")
}

func runFollow(cmd *cobra.Command, args []string) error {
	if followServer == "" {
		return errors.New("--server is required")
	}
	index, err := parseShardIndex(args[0])
	if err != nil {
		return err
	}
	if followAfter < 0 {
		return fmt.Errorf("invalid --after %d: must not be negative", followAfter)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newClient(cfg, followServer)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	f := client.NewFollower(c, index, followAfter, followPageSize)
	emit := func(ch store.Change) error { return enc.Encode(ch) }

	var total client.FollowStats
	pull := func() error {
		stats, err := f.Pull(ctx, emit)
		total.Pages += stats.Pages
		total.Changes += stats.Changes
		total.Duration += stats.Duration
		return err
	}

	err = pull()
	if followInterval > 0 {
		ticker := time.NewTicker(followInterval)
		defer ticker.Stop()
		for err == nil {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-ticker.C:
				err = pull()
			}
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Shard %s: %d changes in %d pages, cursor at %d\n",
		args[0], total.Changes, total.Pages, f.Cursor())
	return err
}
