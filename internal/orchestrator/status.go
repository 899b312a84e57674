package orchestrator

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

const recentActionLimit = 10

// PrintStatus writes the fleet table, queue counts and recent actions.
func (o *Orchestrator) PrintStatus(ctx context.Context, out io.Writer) error {
	workers, err := o.store.FleetStatus(ctx)
	if err != nil {
		return fmt.Errorf("fleet status: %w", err)
	}
	stats, err := o.store.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	actions, err := o.store.RecentActions(ctx, recentActionLimit)
	if err != nil {
		return fmt.Errorf("recent actions: %w", err)
	}
	now := o.clock.Now()

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "FLEET (target %d)\n", o.cfg.Target)
	fmt.Fprintln(tw, "NAME\tSTATUS\tIP\tHEARTBEAT\tFAILURES\tARTISTS\tIMAGES\tCITY")
	for _, w := range workers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			w.Name, w.Status, dash(w.IPAddress), heartbeatAge(w.LastHeartbeatAt, now),
			w.ConsecutiveFailures, w.ArtistsProcessed, w.ImagesProcessed, dash(w.CurrentCitySlug))
	}
	if len(workers) == 0 {
		fmt.Fprintln(tw, "(no workers)")
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "QUEUE")
	fmt.Fprintf(tw, "cities\tpending %d\tclaimed %d\tcompleted %d\n",
		stats.Cities[fleet.CityPending], stats.Cities[fleet.CityClaimed], stats.Cities[fleet.CityCompleted])
	fmt.Fprintf(tw, "artists\tpending %d\tclaimed %d\tcompleted %d\tfailed %d\tskipped %d\n",
		stats.Artists[fleet.TaskPending], stats.Artists[fleet.TaskClaimed], stats.Artists[fleet.TaskCompleted],
		stats.Artists[fleet.TaskFailed], stats.Artists[fleet.TaskSkipped])
	fmt.Fprintf(tw, "images\t%d\n", stats.ImagesScraped)

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "RECENT ACTIONS")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			a.CreatedAt.Format(time.RFC3339), a.Action, dash(a.WorkerName), instanceChange(a), dash(a.Reason))
	}
	if len(actions) == 0 {
		fmt.Fprintln(tw, "(none)")
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

func instanceChange(a fleet.ActionLog) string {
	if a.OldInstanceID == "" && a.NewInstanceID == "" {
		return "-"
	}
	return dash(a.OldInstanceID) + " -> " + dash(a.NewInstanceID)
}

func heartbeatAge(at *time.Time, now time.Time) string {
	if at == nil {
		return "never"
	}
	return now.Sub(*at).Truncate(time.Second).String() + " ago"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
