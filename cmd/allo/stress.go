package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	allosdk "allo/sdk/go"
)

// stressCmd fires concurrent claims at a running server, one phone per
// claimer, and reports how the race resolved.
func stressCmd() *cobra.Command {
	var (
		baseURL  string
		taskID   int64
		claimers int
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Race concurrent claims against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 {
				return fmt.Errorf("--task required")
			}
			client := allosdk.New(baseURL)
			var won, lost, rejected, failed atomic.Int64
			start := time.Now()
			g, ctx := errgroup.WithContext(cmd.Context())
			if limit > 0 {
				g.SetLimit(limit)
			}
			for i := 0; i < claimers; i++ {
				g.Go(func() error {
					_, err := client.Claim(ctx, taskID, allosdk.Claimant{
						FirstName: "Stress",
						LastName:  fmt.Sprintf("Claimer%d", i),
						Phone:     fmt.Sprintf("09%08d", i),
						Building:  "stress",
						Room:      fmt.Sprintf("%d", i),
					})
					switch code := allosdk.ErrorCode(err); {
					case err == nil:
						won.Add(1)
					case code == "lost":
						lost.Add(1)
					case code != "":
						rejected.Add(1)
					default:
						failed.Add(1)
					}
					return nil
				})
			}
			_ = g.Wait()
			tw := newTable(table.Row{"Claimers", "Won", "Lost", "Rejected", "Failed", "Elapsed"})
			tw.AppendRow(table.Row{claimers, won.Load(), lost.Load(), rejected.Load(), failed.Load(), time.Since(start).Round(time.Millisecond)})
			tw.Render()
			if failed.Load() > 0 {
				return fmt.Errorf("%d claims failed at the transport level", failed.Load())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "server URL")
	cmd.Flags().Int64Var(&taskID, "task", 0, "published task id")
	cmd.Flags().IntVarP(&claimers, "claimers", "n", 50, "number of concurrent claimers")
	cmd.Flags().IntVar(&limit, "concurrency", 0, "max in-flight claims (0 means all at once)")
	return cmd
}
