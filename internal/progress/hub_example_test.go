package progress_test

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/delta-crawler/internal/progress"
)

// outcomeTally counts fetch outcomes per site.
type outcomeTally map[string]map[progress.Outcome]int

func (t outcomeTally) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage != progress.StageFetchDone {
			continue
		}
		if t[evt.Site] == nil {
			t[evt.Site] = map[progress.Outcome]int{}
		}
		t[evt.Site][evt.Outcome]++
	}
	return nil
}

func (outcomeTally) Close(context.Context) error { return nil }

// A custom sink receives every emitted event once the hub is closed.
func ExampleHub_Emit() {
	tally := outcomeTally{}
	hub := progress.NewHub(progress.Config{BufferSize: 8, MaxBatchEvents: 4, MaxBatchWait: time.Second}, tally)

	for _, outcome := range []progress.Outcome{progress.OutcomeSuccess, progress.OutcomeSuccess, progress.OutcomeFailure} {
		hub.Emit(progress.Event{
			Stage:   progress.StageFetchDone,
			Queue:   "url_queue_example",
			Site:    "https://stats.example.gov",
			Outcome: outcome,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	sites := make([]string, 0, len(tally))
	for site := range tally {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	for _, site := range sites {
		fmt.Printf("%s success=%d failure=%d\n", site,
			tally[site][progress.OutcomeSuccess], tally[site][progress.OutcomeFailure])
	}
	// Output:
	// https://stats.example.gov success=2 failure=1
}

// Drain events must name their run; the hub drops them otherwise.
func ExampleEvent_Validate() {
	evt := progress.Event{TS: time.Unix(0, 0), Stage: progress.StageDrainStart, Queue: "url_queue_example"}
	fmt.Println(evt.Validate())
	// Output:
	// run id is required
}
