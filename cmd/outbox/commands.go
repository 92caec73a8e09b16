package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"intake/internal/database"
	"intake/internal/export"
	"intake/internal/models"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newListCmd(opts *options) *cobra.Command {
	var (
		status string
		limit  int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List notification tasks, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			tasks, err := db.ListNotificationTasks(cmd.Context(), status, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tREF\tSTATUS\tRETRIES\tCREATED\tLAST ERROR")
			for _, t := range tasks {
				lastErr := ""
				if t.LastError != nil {
					lastErr = *t.LastError
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
					t.ID, t.TaskType, t.BookingRef, t.Status, t.RetryCount, t.CreatedAt.Format(time.RFC3339), lastErr)
			}
			return tw.Flush()
		},
	}
	c.Flags().StringVar(&status, "status", "", "filter by status (pending, retry, completed, failed)")
	c.Flags().IntVar(&limit, "limit", 50, "maximum rows, 0 for all")
	return c
}

func newRequeueCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-failed [id...]",
		Short: "Move failed tasks back to pending; all failed tasks when no id is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid task id %q", a)
				}
				ids = append(ids, id)
			}

			_, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.RequeueFailed(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d task(s)\n", n)
			return nil
		},
	}
}

func newPurgeCmd(opts *options) *cobra.Command {
	var olderThan time.Duration
	c := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed tasks older than --older-than",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.PurgeCompleted(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d task(s)\n", n)
			return nil
		},
	}
	c.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of completed tasks to delete")
	return c
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		status string
		out    string
	)
	c := &cobra.Command{
		Use:   "export",
		Short: "Write notification tasks to an xlsx workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := opts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			tasks, err := db.ListNotificationTasks(cmd.Context(), status, 0)
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("exports/outbox_%s.xlsx", time.Now().Format("2006-01-02"))
			}
			if err := export.WriteOutbox(out, tasks, cfg.Schedule.Location()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d task(s) to %s\n", len(tasks), out)
			return nil
		},
	}
	c.Flags().StringVar(&status, "status", models.TaskStatusFailed, "status to export, empty for all")
	c.Flags().StringVarP(&out, "output", "o", "", "output file")
	return c
}

func newBackupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the outbox database and prune old snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := zerolog.Nop()
			svc := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
			path, err := svc.PerformBackup(cmd.Context())
			if err != nil {
				return err
			}
			removed := svc.CleanupOldBackups()
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s, %d old snapshot(s) removed\n", path, removed)
			return nil
		},
	}
}
