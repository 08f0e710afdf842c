package orchestrator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/worker"
)

// Sweep names a whole-site pass.
type Sweep string

// Supported sweeps.
const (
	SweepExplore  Sweep = "explore"
	SweepUpdate   Sweep = "update"
	SweepError    Sweep = "error"
	SweepDownload Sweep = "download"
	SweepCheck    Sweep = "check"
	SweepFix      Sweep = "fix"
	SweepRegular  Sweep = "regular"
)

// Sweeps lists every supported sweep.
var Sweeps = []Sweep{SweepExplore, SweepUpdate, SweepError, SweepDownload, SweepCheck, SweepFix, SweepRegular}

// regularOrder is the fixed sequence of a regular run.
var regularOrder = []Sweep{SweepExplore, SweepUpdate, SweepError, SweepDownload, SweepCheck}

// ParseSweep validates a sweep name.
func ParseSweep(name string) (Sweep, bool) {
	for _, s := range Sweeps {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

// Report summarizes one sweep over one site.
type Report struct {
	RunID    string    `json:"run_id"`
	Site     string    `json:"site"`
	Sweep    Sweep     `json:"sweep"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Probed       int `json:"probed"`
	Changed      int `json:"changed"`
	Unchanged    int `json:"unchanged"`
	Failed       int `json:"failed"`
	VersionBumps int `json:"version_bumps"`
	Conflicts    int `json:"conflicts"`
	StoreErrors  int `json:"store_errors"`
	// ConflictNums lists identifiers whose title or writer changed.
	ConflictNums []int `json:"conflict_nums,omitempty"`

	StartNum      int `json:"start_num,omitempty"`
	LastNum       int `json:"last_num,omitempty"`
	MaxSuccessNum int `json:"max_success_num,omitempty"`

	Downloaded     int `json:"downloaded"`
	DownloadFailed int `json:"download_failed"`
	Completed      int `json:"completed"`

	Missing    int   `json:"missing"`
	Purged     int64 `json:"purged"`
	MarkedDone int   `json:"marked_done"`
	ResetCount int   `json:"reset_pending"`
}

// tally accumulates worker outcomes from concurrent goroutines.
type tally struct {
	mu     sync.Mutex
	report Report
}

func (t *tally) probe(out worker.ProbeOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &t.report
	r.Probed++
	switch out.Result {
	case crawler.Changed:
		r.Changed++
	case crawler.Unchanged:
		r.Unchanged++
	case crawler.Failed:
		r.Failed++
	}
	if out.VersionBumped {
		r.VersionBumps++
	}
	if out.Conflict {
		r.Conflicts++
		r.ConflictNums = append(r.ConflictNums, out.Num)
	}
	if isStoreError(out.Err) {
		r.StoreErrors++
	}
	if out.OK() && out.Num > r.MaxSuccessNum {
		r.MaxSuccessNum = out.Num
	}
}

func (t *tally) download(out worker.DownloadOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if out.Result == crawler.DownloadSuccess && out.Err == nil {
		t.report.Downloaded++
	} else {
		t.report.DownloadFailed++
	}
	if isStoreError(out.Err) {
		t.report.StoreErrors++
	}
}

func (t *tally) check(out worker.CheckOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Probed++
	if out.Completed {
		t.report.Completed++
	}
	if isStoreError(out.Err) {
		t.report.StoreErrors++
	}
}

func (t *tally) reconcile(out worker.ReconcileOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch out.Action {
	case worker.ReconcileMarkedDone:
		t.report.MarkedDone++
	case worker.ReconcileResetPending:
		t.report.ResetCount++
	}
	if isStoreError(out.Err) {
		t.report.StoreErrors++
	}
}

func (t *tally) update(fn func(r *Report)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.report)
}

func (t *tally) snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	rep := t.report
	rep.ConflictNums = append([]int(nil), t.report.ConflictNums...)
	sort.Ints(rep.ConflictNums)
	return rep
}

// summary renders r as the run note persisted with the sweep run. Identity
// conflicts are listed by num so the run row keeps the annotation.
func summary(r Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "probed=%d changed=%d unchanged=%d failed=%d downloaded=%d completed=%d",
		r.Probed, r.Changed, r.Unchanged, r.Failed, r.Downloaded, r.Completed)
	if r.VersionBumps > 0 {
		fmt.Fprintf(&sb, " version_bumps=%d", r.VersionBumps)
	}
	if len(r.ConflictNums) > 0 {
		nums := make([]string, len(r.ConflictNums))
		for i, n := range r.ConflictNums {
			nums[i] = strconv.Itoa(n)
		}
		fmt.Fprintf(&sb, " identity_changed=%s", strings.Join(nums, ","))
	}
	return sb.String()
}
