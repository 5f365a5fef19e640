package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func createCmd() *cobra.Command {
	m := manifest{}
	cmd := &cobra.Command{
		Use:   "create DIR",
		Short: "Create and format a volume directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m.RecyclerClient = uuid.New()
			if err := createWorld(args[0], m); err != nil {
				return err
			}
			fmt.Printf("created %s: %d pages of %d bytes, log capacity %d\n",
				args[0], m.PageCount, m.PageSize, m.LogCapacity)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&m.PageSize, "page-size", 4096, "page size in bytes (power of two >= 512)")
	cmd.Flags().Uint32Var(&m.PageCount, "page-count", 1024, "pages per device")
	cmd.Flags().Uint64Var(&m.LogCapacity, "log-capacity", 1<<20, "log ring capacity in bytes")
	cmd.Flags().IntVar(&m.MaxBranching, "max-branching", 64, "max out-references per page")
	cmd.Flags().IntVar(&m.MaxDepth, "max-depth", 16, "max recycler traversal depth")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info DIR",
		Short: "Print volume state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx, args[0])
			if err != nil {
				return err
			}
			defer w.close()

			trim, flush, commit := w.volLog.Positions()
			fmt.Printf("volume log: trim=%d flush=%d commit=%d capacity=%d\n",
				trim, flush, commit, w.volLog.Capacity())
			trim, flush, commit = w.alcLog.Positions()
			fmt.Printf("allocator log: trim=%d flush=%d commit=%d\n", trim, flush, commit)
			trim, flush, commit = w.recLog.Positions()
			fmt.Printf("recycler log: trim=%d flush=%d commit=%d\n", trim, flush, commit)
			fmt.Printf("pages: %d free of %d (%d bytes each)\n",
				w.alc.FreeCount(), w.m.PageCount, w.m.PageSize)
			fmt.Printf("recycler: %d pending pages\n", w.rec.PendingPages())
			return nil
		},
	}
}

func trimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trim DIR",
		Short: "Trim resolved records from the volume log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := openWorld(ctx, args[0])
			if err != nil {
				return err
			}
			defer w.close()

			before, _, _ := w.volLog.Positions()
			if err := w.vol.TrimResolved(ctx); err != nil {
				return err
			}
			after, _, _ := w.volLog.Positions()
			fmt.Printf("trimmed volume log: %d -> %d\n", before, after)
			return nil
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover DIR",
		Short: "Recover a volume: resolve unmatched prepares and drain the recycler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			// openWorld runs the full recovery path: log replay, allocator
			// replay, recycler resume, and prepare resolution.
			w, err := openWorld(ctx, args[0])
			if err != nil {
				return err
			}
			defer w.close()

			if err := w.rec.Drain(); err != nil {
				return err
			}
			fmt.Printf("recovered %s: %d free pages, recycler drained\n",
				args[0], w.alc.FreeCount())
			return nil
		},
	}
}
