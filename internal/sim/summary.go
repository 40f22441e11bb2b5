package sim

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/signalsfoundry/mobility-controller/internal/cell"
	"github.com/signalsfoundry/mobility-controller/internal/observability"
)

// tally counts controller events for the run summary and forwards them to
// the Prometheus collector.
type tally struct {
	next *observability.HandoverCollector

	mu        sync.Mutex
	stages    map[string]map[string]int // link -> stage -> count
	fallbacks map[string]int
	recovers  map[string]int
	timeouts  map[string]int
	forwarded int
}

var _ cell.MetricsRecorder = (*tally)(nil)

func newTally(next *observability.HandoverCollector) *tally {
	return &tally{
		next:      next,
		stages:    make(map[string]map[string]int),
		fallbacks: make(map[string]int),
		recovers:  make(map[string]int),
		timeouts:  make(map[string]int),
	}
}

func (t *tally) ObserveStateTransition(from, to string) {
	t.next.ObserveStateTransition(from, to)
}

func (t *tally) IncHandover(link, stage string) {
	t.mu.Lock()
	if t.stages[link] == nil {
		t.stages[link] = make(map[string]int)
	}
	t.stages[link][stage]++
	t.mu.Unlock()
	t.next.IncHandover(link, stage)
}

func (t *tally) ObserveTimeToTrigger(link string, ttt time.Duration) {
	t.next.ObserveTimeToTrigger(link, ttt)
}

func (t *tally) IncFallback(link string, active bool) {
	t.mu.Lock()
	if active {
		t.fallbacks[link]++
	} else {
		t.recovers[link]++
	}
	t.mu.Unlock()
	t.next.IncFallback(link, active)
}

func (t *tally) IncTimeout(timer string, fatal bool) {
	t.mu.Lock()
	t.timeouts[timer]++
	t.mu.Unlock()
	t.next.IncTimeout(timer, fatal)
}

func (t *tally) AddForwardedUnits(n int) {
	t.mu.Lock()
	t.forwarded += n
	t.mu.Unlock()
	t.next.AddForwardedUnits(n)
}

func (t *tally) SetContexts(id string, n int) {
	t.next.SetContexts(id, n)
}

// LinkSummary is the handover activity of one link.
type LinkSummary struct {
	Link   string
	Stages map[string]int
	// Fallbacks and Recoveries count moves to and from the anchor path.
	Fallbacks  int
	Recoveries int
}

// Summary is the outcome of a run.
type Summary struct {
	Scenario  string
	Simulated time.Duration

	Links    []LinkSummary
	Timeouts map[string]int
	// Forwarded counts units moved between cells over X2.
	Forwarded int
	Failures  int

	Generated  uint64
	Refused    uint64
	Delivered  uint64
	Duplicates uint64
	// Buffered counts units still held by a context when the run ended.
	Buffered uint64
	// Lost counts generated units that were neither delivered nor buffered.
	Lost uint64

	Flows []FlowMetrics
}

// Completed returns the completed handovers on link. Initial secondary
// attachments are counted by Attached instead.
func (s *Summary) Completed(link string) int {
	return s.stage(link, cell.StageCompleted)
}

// Attached returns the secondary cells added on link without a handover.
func (s *Summary) Attached(link string) int {
	return s.stage(link, cell.StageAttached)
}

func (s *Summary) stage(link, stage string) int {
	for _, l := range s.Links {
		if l.Link == link {
			return l.Stages[stage]
		}
	}
	return 0
}

func (r *Runtime) summarize() *Summary {
	t := r.tally
	t.mu.Lock()
	sum := &Summary{
		Scenario:  r.sc.Name,
		Simulated: r.clock.Now().Sub(r.start),
		Timeouts:  make(map[string]int, len(t.timeouts)),
		Forwarded: t.forwarded,
		Failures:  len(r.Failures()),
	}
	links := make(map[string]bool)
	for l := range t.stages {
		links[l] = true
	}
	for l := range t.fallbacks {
		links[l] = true
	}
	for l := range t.recovers {
		links[l] = true
	}
	for l := range links {
		stages := make(map[string]int, len(t.stages[l]))
		for k, v := range t.stages[l] {
			stages[k] = v
		}
		sum.Links = append(sum.Links, LinkSummary{
			Link:       l,
			Stages:     stages,
			Fallbacks:  t.fallbacks[l],
			Recoveries: t.recovers[l],
		})
	}
	for k, v := range t.timeouts {
		sum.Timeouts[k] = v
	}
	t.mu.Unlock()
	sort.Slice(sum.Links, func(i, j int) bool { return sum.Links[i].Link < sum.Links[j].Link })

	sum.Flows = r.telemetry.ListAll()
	for _, f := range sum.Flows {
		sum.Generated += f.Generated
		sum.Refused += f.Refused
		sum.Delivered += f.Delivered
		sum.Duplicates += f.Duplicates
	}
	for _, id := range r.cells {
		for _, tc := range r.ctrls[id].Contexts() {
			sum.Buffered += uint64(tc.BufferedUnits())
		}
	}
	if accounted := sum.Delivered + sum.Buffered; sum.Generated > accounted {
		sum.Lost = sum.Generated - accounted
	}
	r.delivery.AddLost(int(sum.Lost))
	return sum
}

// Write prints the summary as aligned text.
func (s *Summary) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "scenario\t%s\n", s.Scenario)
	fmt.Fprintf(tw, "simulated\t%s\n", s.Simulated)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "link\tscheduled\tstarted\tattached\tcompleted\tfailed\tcancelled\tfallbacks\trecoveries")
	for _, l := range s.Links {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n", l.Link,
			l.Stages[cell.StageScheduled], l.Stages[cell.StageStarted], l.Stages[cell.StageAttached], l.Stages[cell.StageCompleted],
			l.Stages[cell.StageFailed], l.Stages[cell.StageCancelled], l.Fallbacks, l.Recoveries)
	}
	fmt.Fprintln(tw)
	timers := make([]string, 0, len(s.Timeouts))
	for k := range s.Timeouts {
		timers = append(timers, k)
	}
	sort.Strings(timers)
	for _, k := range timers {
		fmt.Fprintf(tw, "timeout %s\t%d\n", k, s.Timeouts[k])
	}
	fmt.Fprintf(tw, "forwarded units\t%d\n", s.Forwarded)
	fmt.Fprintf(tw, "controller failures\t%d\n", s.Failures)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "imsi\tbearer\tgenerated\trefused\tdelivered\tduplicates")
	for _, f := range s.Flows {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", uint64(f.IMSI), uint8(f.Bearer), f.Generated, f.Refused, f.Delivered, f.Duplicates)
	}
	fmt.Fprintf(tw, "total\t\t%d\t%d\t%d\t%d\n", s.Generated, s.Refused, s.Delivered, s.Duplicates)
	fmt.Fprintf(tw, "buffered\t%d\n", s.Buffered)
	fmt.Fprintf(tw, "lost\t%d\n", s.Lost)
	return tw.Flush()
}
