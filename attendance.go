package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"rollcall/storage"
)

var attendanceCmd = cli.Command{
	Name:   "attendance",
	Usage:  "list recorded attendance or the attempt log",
	Action: runAttendance,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  RoleFlag,
			Usage: "which side's records to list: convener or responder",
			Value: roleConvener,
		},
		&cli.IntFlag{
			Name:  LimitFlag,
			Usage: "maximum rows to print",
			Value: 100,
		},
		&cli.BoolFlag{
			Name:  AttemptsFlag,
			Usage: "list the convener attempt log instead of attendance",
		},
	},
}

func runAttendance(ctx context.Context, cmd *cli.Command) error {
	env, err := openEnvironment(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	limit := cmd.Int(LimitFlag)
	if cmd.Bool(AttemptsFlag) {
		return printAttempts(ctx, w, env.store, limit)
	}

	switch cmd.String(RoleFlag) {
	case roleConvener:
		rows, err := env.store.ListConvened(ctx, storage.AttendanceFilter{Limit: limit})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIME\tRESPONDER\tPEER\tNONCE")
		for _, row := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", formatMillis(row.Timestamp), row.ResponderID, row.PeerID, row.Nonce)
		}
	case roleResponder:
		rows, err := env.store.ListResponded(ctx, storage.AttendanceFilter{Limit: limit})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TIME\tCONVENER\tNONCE")
		for _, row := range rows {
			fmt.Fprintf(w, "%s\t%s\t%d\n", formatMillis(row.Timestamp), row.ConvenerID, row.Nonce)
		}
	default:
		return fmt.Errorf("unknown %s %q, want %s or %s", RoleFlag, cmd.String(RoleFlag), roleConvener, roleResponder)
	}
	return nil
}

func printAttempts(ctx context.Context, w *tabwriter.Writer, store *storage.Store, limit int) error {
	entries, err := store.GetAttempts(ctx, storage.AttemptFilter{Limit: limit})
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "STARTED\tPEER\tOUTCOME\tREMOTE\tDURATION\tERROR")
	for _, entry := range entries {
		remote := "-"
		if entry.RemoteIdentity != nil {
			remote = *entry.RemoteIdentity
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(entry.StartedAt),
			entry.PeerID,
			entry.Outcome,
			remote,
			time.Duration(entry.DurationMillis)*time.Millisecond,
			entry.Error,
		)
	}
	return nil
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
