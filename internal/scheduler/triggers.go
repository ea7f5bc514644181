package scheduler

import (
	"fmt"
	"time"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// entry is one job in the trigger table. index is its heap slot, -1 while paused.
type entry struct {
	trigger crawler.Trigger
	name    string
	kind    crawler.JobKind
	paused  bool
	index   int
}

// triggerHeap orders entries by next run time for container/heap.
type triggerHeap []*entry

func (h triggerHeap) Len() int { return len(h) }

func (h triggerHeap) Less(i, j int) bool {
	a, b := h[i].trigger, h[j].trigger
	if a.NextRunAt.Equal(b.NextRunAt) {
		return a.JobID < b.JobID
	}
	return a.NextRunAt.Before(b.NextRunAt)
}

func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *triggerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// planFires works out which overdue fire times of t run at now. Coalesced
// triggers collapse every overdue time into the latest one. Fire times older
// than grace are missed; a zero grace never misses.
func planFires(t crawler.Trigger, now time.Time, grace time.Duration) (runs []time.Time, missed int, next time.Time) {
	interval := intervalOf(t)
	if now.Before(t.NextRunAt) {
		return nil, 0, t.NextRunAt
	}
	overdue := int(now.Sub(t.NextRunAt)/interval) + 1
	last := t.NextRunAt.Add(time.Duration(overdue-1) * interval)
	next = last.Add(interval)

	first := 0
	if t.Coalesce {
		first = overdue - 1
	}
	if grace > 0 {
		if late := now.Sub(t.NextRunAt) - grace; late > 0 {
			// smallest k with NextRunAt + k*interval inside the window
			inWindow := int((late + interval - 1) / interval)
			if inWindow > first {
				if t.Coalesce {
					missed = 1
				} else {
					missed = min(inWindow, overdue) - first
				}
				first = inWindow
			}
		}
	}
	for k := first; k < overdue; k++ {
		runs = append(runs, t.NextRunAt.Add(time.Duration(k)*interval))
	}
	return runs, missed, next
}

// alignAfter moves t forward by whole intervals until it is not before now.
func alignAfter(t crawler.Trigger, now time.Time) time.Time {
	if !t.NextRunAt.Before(now) {
		return t.NextRunAt
	}
	interval := intervalOf(t)
	steps := (now.Sub(t.NextRunAt) + interval - 1) / interval
	return t.NextRunAt.Add(steps * interval)
}

func intervalOf(t crawler.Trigger) time.Duration {
	if t.IntervalMinutes <= 0 {
		return crawler.FallbackScheduleMinutes * time.Minute
	}
	return t.Interval()
}

func describeInterval(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("interval[%d:%02d:%02d]", h, m, s)
}
