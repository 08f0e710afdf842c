// Package orchestrator drives whole-site sweeps over the record store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	runid "github.com/JakeFAU/novel-crawler/internal/id/uuid"
	"github.com/JakeFAU/novel-crawler/internal/metrics"
	"github.com/JakeFAU/novel-crawler/internal/progress"
	"github.com/JakeFAU/novel-crawler/internal/worker"
)

// Errors returned by Launch.
var (
	ErrSweepRunning = errors.New("sweep already running")
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// DefaultSearchPageSize is the number of rows per search page.
const DefaultSearchPageSize = 20

// Options tunes a single sweep.
type Options struct {
	// StartNum overrides where Explore begins; zero means MaxNum(books)+1.
	StartNum int
	// MaxErrors overrides the site's consecutive failure limit for Explore.
	MaxErrors int
	// All makes Update include books already marked read.
	All bool
}

// Orchestrator fans sweeps out over sites and identifiers.
type Orchestrator struct {
	sites   map[string]*crawler.Site
	names   []string
	store   crawler.RecordStore
	worker  *worker.Worker
	emitter progress.Emitter
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	active   map[string]struct{}
	stopping bool

	// base is canceled by Shutdown; launched tracks background sweeps.
	base     context.Context
	stop     context.CancelFunc
	launched sync.WaitGroup
}

// New validates sites and builds an Orchestrator. emitter may be nil.
func New(
	sites []*crawler.Site,
	store crawler.RecordStore,
	w *worker.Worker,
	emitter progress.Emitter,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if store == nil || w == nil {
		return nil, errors.New("orchestrator requires a record store and a worker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		sites:   make(map[string]*crawler.Site, len(sites)),
		store:   store,
		worker:  w,
		emitter: emitter,
		ids:     ids,
		clock:   clock,
		logger:  logger,
		active:  make(map[string]struct{}),
	}
	o.base, o.stop = context.WithCancel(context.Background())
	for _, s := range sites {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("validate site: %w", err)
		}
		name := crawler.NormalizeSite(s.Name)
		if _, dup := o.sites[name]; dup {
			return nil, fmt.Errorf("duplicate site %q", name)
		}
		s.Name = name
		o.sites[name] = s
		o.names = append(o.names, name)
	}
	sort.Strings(o.names)
	return o, nil
}

// Sites returns the configured site names in sorted order.
func (o *Orchestrator) Sites() []string {
	return append([]string(nil), o.names...)
}

// Site looks up a configured site.
func (o *Orchestrator) Site(name string) (*crawler.Site, error) {
	s, ok := o.sites[crawler.NormalizeSite(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrUnknownSite, name)
	}
	return s, nil
}

func (o *Orchestrator) selectSites(name string) ([]*crawler.Site, error) {
	if name == "" {
		out := make([]*crawler.Site, 0, len(o.names))
		for _, n := range o.names {
			out = append(out, o.sites[n])
		}
		return out, nil
	}
	s, err := o.Site(name)
	if err != nil {
		return nil, err
	}
	return []*crawler.Site{s}, nil
}

// Sweep runs sweep on one site, or on every site concurrently when siteName
// is empty. Reports come back sorted by site; per-site failures are joined.
func (o *Orchestrator) Sweep(ctx context.Context, sweep Sweep, siteName string, opts Options) ([]Report, error) {
	sites, err := o.selectSites(siteName)
	if err != nil {
		return nil, err
	}
	var (
		mu      sync.Mutex
		reports []Report
		errs    []error
		wg      sync.WaitGroup
	)
	for _, s := range sites {
		wg.Add(1)
		go func(site *crawler.Site) {
			defer wg.Done()
			got, err := o.sweepSite(ctx, sweep, site, opts)
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, got...)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", sweep, site.Name, err))
			}
		}(s)
	}
	wg.Wait()
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].Site < reports[j].Site })
	return reports, errors.Join(errs...)
}

// Launch starts sweep on one site in the background and returns its run ID.
// The sweep outlives the caller's request and ends only when it finishes or
// Shutdown is called; ctx only supplies values.
func (o *Orchestrator) Launch(ctx context.Context, sweep Sweep, siteName string, opts Options) (string, error) {
	site, err := o.Site(siteName)
	if err != nil {
		return "", err
	}
	release, err := o.begin(site.Name, sweep)
	if err != nil {
		return "", err
	}
	runCtx, done, err := o.background(ctx)
	if err != nil {
		release()
		return "", err
	}
	runID := o.newRunID()
	go func() {
		defer done()
		defer release()
		if sweep == SweepRegular {
			_, _ = o.regular(runCtx, site, opts, runID)
			return
		}
		_, _ = o.run(runCtx, runID, site, sweep, opts)
	}()
	return runID, nil
}

// background registers one launched sweep. The returned context keeps ctx's
// values and is canceled by Shutdown; done must be called when the sweep ends.
func (o *Orchestrator) background(ctx context.Context) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		return nil, nil, ErrShuttingDown
	}
	o.launched.Add(1)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(o.base, cancel)
	return runCtx, func() {
		unlink()
		cancel()
		o.launched.Done()
	}, nil
}

// Shutdown cancels every launched sweep and waits until they have returned
// or ctx ends. Launch fails with ErrShuttingDown afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.stop()

	joined := make(chan struct{})
	go func() {
		o.launched.Wait()
		close(joined)
	}()
	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for launched sweeps: %w", ctx.Err())
	}
}

func (o *Orchestrator) sweepSite(ctx context.Context, sweep Sweep, site *crawler.Site, opts Options) ([]Report, error) {
	release, err := o.begin(site.Name, sweep)
	if err != nil {
		return nil, err
	}
	defer release()
	if sweep == SweepRegular {
		return o.regular(ctx, site, opts, "")
	}
	rep, err := o.run(ctx, o.newRunID(), site, sweep, opts)
	return []Report{rep}, err
}

// regular runs the fixed sweep sequence, stopping early only on cancellation.
func (o *Orchestrator) regular(ctx context.Context, site *crawler.Site, opts Options, firstID string) ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for i, sweep := range regularOrder {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		runID := firstID
		if i > 0 || runID == "" {
			runID = o.newRunID()
		}
		rep, err := o.run(ctx, runID, site, sweep, opts)
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

func (o *Orchestrator) begin(site string, sweep Sweep) (func(), error) {
	key := site + "/" + string(sweep)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSweepRunning, key)
	}
	o.active[key] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.active, key)
		o.mu.Unlock()
	}, nil
}

// Running reports whether sweep is active on site.
func (o *Orchestrator) Running(site string, sweep Sweep) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.active[crawler.NormalizeSite(site)+"/"+string(sweep)]
	return busy
}

func (o *Orchestrator) newRunID() string {
	if o.ids != nil {
		if id, err := o.ids.NewID(); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

func (o *Orchestrator) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}

// run executes one sweep over one site and emits its lifecycle events.
func (o *Orchestrator) run(ctx context.Context, runID string, site *crawler.Site, sweep Sweep, opts Options) (Report, error) {
	rs := &sweepRun{
		o:      o,
		runID:  runID,
		rawID:  runBytes(runID),
		site:   site,
		sweep:  sweep,
		logger: o.logger.With(zap.String("site", site.Name), zap.String("sweep", string(sweep)), zap.String("run_id", runID)),
	}
	rs.tally.report = Report{RunID: runID, Site: site.Name, Sweep: sweep, Started: o.now()}
	rs.emit(progress.Event{Stage: progress.StageSweepStart})
	rs.logger.Info("sweep started")

	var err error
	switch sweep {
	case SweepExplore:
		err = o.explore(ctx, rs, opts)
	case SweepUpdate:
		err = o.update(ctx, rs, opts)
	case SweepError:
		err = o.updateError(ctx, rs)
	case SweepDownload:
		err = o.download(ctx, rs)
	case SweepCheck:
		err = o.check(ctx, rs)
	case SweepFix:
		err = o.fix(ctx, rs)
	default:
		err = fmt.Errorf("unsupported sweep %q", sweep)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	rs.tally.update(func(r *Report) { r.Finished = o.now() })
	rep := rs.tally.snapshot()
	dur := rep.Finished.Sub(rep.Started)
	metrics.ObserveSweep(site.Name, string(sweep), dur)
	fields := []zap.Field{
		zap.Int("probed", rep.Probed),
		zap.Int("changed", rep.Changed),
		zap.Int("failed", rep.Failed),
		zap.Duration("dur", dur),
	}
	if len(rep.ConflictNums) > 0 {
		fields = append(fields, zap.Ints("identity_changed", rep.ConflictNums))
	}
	if err != nil {
		rs.emit(progress.Event{Stage: progress.StageSweepError, Dur: dur, Note: err.Error()})
		rs.logger.Error("sweep failed", append(fields, zap.Error(err))...)
		return rep, err
	}
	rs.emit(progress.Event{Stage: progress.StageSweepDone, Dur: dur, Note: summary(rep)})
	rs.logger.Info("sweep finished", fields...)
	return rep, nil
}

// sweepRun is the per-run context shared by the sweep implementations.
type sweepRun struct {
	o      *Orchestrator
	runID  string
	rawID  [16]byte
	site   *crawler.Site
	sweep  Sweep
	logger *zap.Logger
	tally  tally
}

func (rs *sweepRun) emit(evt progress.Event) {
	if rs.o.emitter == nil {
		return
	}
	evt.RunID = rs.rawID
	evt.TS = rs.o.now()
	evt.Site = rs.site.Name
	evt.Sweep = string(rs.sweep)
	rs.o.emitter.Emit(evt)
}

func (rs *sweepRun) probed(out worker.ProbeOutcome) {
	rs.tally.probe(out)
	metrics.ObserveProbe(rs.site.Name, string(rs.sweep), string(out.Result))
	rs.emit(progress.Event{Stage: progress.StageProbeDone, Num: out.Num, Result: string(out.Result)})
}

// track wraps one worker call with the active-worker gauge.
func (rs *sweepRun) track(fn func()) {
	metrics.IncActiveWorkers(string(rs.sweep))
	defer metrics.DecActiveWorkers(string(rs.sweep))
	fn()
}

func runBytes(runID string) [16]byte {
	return progress.UUIDToBytes(runid.RunKey(runID))
}

func isStoreError(err error) bool {
	var storeErr *crawler.StoreError
	return errors.As(err, &storeErr)
}
