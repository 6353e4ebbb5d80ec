package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"xatm/config"
	"xatm/txlog"
	"xatm/txmanager"
)

var (
	dumpDir  string
	dumpJSON bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "dump-log",
		Short: "Print the transaction log",
		Long: `dump-log prints every record of the transaction log. Run it only while
the coordinator is stopped: opening the log cuts back a torn tail.

Example:
  xatm dump-log --config xatm.yaml
  xatm dump-log --dir data/txlog --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump()
		},
	}
	cmd.Flags().StringVar(&dumpDir, "dir", "", "Log directory (defaults to txlog.dir of the configuration)")
	cmd.Flags().BoolVar(&dumpJSON, "json", false, "Output one JSON object per record")
	rootCmd.AddCommand(cmd)
}

type dumpRecord struct {
	Seq     uint64          `json:"seq"`
	Xid     string          `json:"xid"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func runDump() error {
	dir := dumpDir
	if dir == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		dir = cfg.TxLog.Dir
	}
	l, err := txlog.Open(dir)
	if err != nil {
		return err
	}
	defer l.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if !dumpJSON {
		fmt.Fprintln(tw, "SEQ\tEVENT\tXID\tPAYLOAD")
	}
	enc := json.NewEncoder(os.Stdout)
	for rec, err := range l.ReadAll(context.Background()) {
		if err != nil {
			return err
		}
		d := dumpRecord{
			Seq:   rec.Seq,
			Xid:   rec.Xid.String(),
			Event: txmanager.EventName(rec.Event),
		}
		if len(rec.Payload) > 0 {
			d.Payload = rec.Payload
		}
		if dumpJSON {
			if err := enc.Encode(d); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.Seq, d.Event, d.Xid, d.Payload)
	}
	if dumpJSON {
		return nil
	}
	stats := l.Stats()
	fmt.Fprintf(tw, "\ngeneration %d, %d records, %d bytes\n", stats.Generation, stats.Records, stats.Size)
	return tw.Flush()
}
