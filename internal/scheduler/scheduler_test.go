package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/cache/membackend"
	"github.com/specialistvlad/scenegrid/internal/dag"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/events"
	"github.com/specialistvlad/scenegrid/internal/executor"
	"github.com/specialistvlad/scenegrid/internal/model"
	"github.com/specialistvlad/scenegrid/internal/nodestore"
	"github.com/specialistvlad/scenegrid/internal/params"
	"github.com/specialistvlad/scenegrid/internal/scheduler"
	"github.com/specialistvlad/scenegrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

var aoi = model.NewBlob([]byte(`{"type":"Polygon","coordinates":[[[30.5,50.4],[30.6,50.4],[30.6,50.5],[30.5,50.4]]]}`), "application/geo+json")

type harness struct {
	sched   *scheduler.Scheduler
	cache   *cache.Store
	backend *membackend.Backend
	events  *events.Recorder
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	ctx, _ := testutil.Context(t)
	h := &harness{backend: membackend.New(), events: &events.Recorder{}}

	var err error
	h.cache, err = cache.New(ctx, h.backend, cache.Options{})
	require.NoError(t, err)
	exec, err := executor.New(executor.Config{Retry: executor.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Millisecond,
	}})
	require.NoError(t, err)
	h.sched, err = scheduler.New(scheduler.Config{Workers: workers}, h.cache, exec, h.events)
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context, d *dag.DAG, req scheduler.Request) *scheduler.Result {
	t.Helper()
	if req.External == nil {
		req.External = map[string]model.Artifact{}
		if slices.Contains(d.Externals, "aoi") {
			req.External["aoi"] = aoi
		}
	}
	res, err := h.sched.Run(ctx, d, req)
	require.NoError(t, err)
	return res
}

// satellite holds the four stages of a scene-to-map pipeline.
type satellite struct {
	fetch, extract, index, render *model.Step
}

func newSatellite(rec *testutil.Recorder) satellite {
	return satellite{
		fetch:   testutil.EchoStep(rec, "fetch_scene", []string{"aoi"}, []string{"scene"}),
		extract: testutil.EchoStep(rec, "extract_bands", []string{"scene"}, []string{"bands"}),
		index:   testutil.EchoStep(rec, "compute_index", []string{"bands"}, []string{"index"}),
		render:  testutil.EchoStep(rec, "render_map", []string{"index"}, []string{"map"}),
	}
}

func (s satellite) dag(t *testing.T, kind string) *dag.DAG {
	t.Helper()
	d := dag.New([]string{"aoi"}, nil,
		dag.NodeSpec{ID: "fetch", Step: s.fetch, Inputs: map[string]string{"aoi": "external.aoi"},
			Params: params.MustNew(map[string]cty.Value{"date": cty.StringVal("2025-01-10")})},
		dag.NodeSpec{ID: "extract", Step: s.extract, Inputs: map[string]string{"scene": "fetch.scene"}},
		dag.NodeSpec{ID: "index", Step: s.index, Inputs: map[string]string{"bands": "extract.bands"},
			Params: params.MustNew(map[string]cty.Value{"kind": cty.StringVal(kind)})},
		dag.NodeSpec{ID: "render", Step: s.render, Inputs: map[string]string{"index": "index.index"}},
	)
	require.NoError(t, d.Validate())
	return d
}

func states(res *scheduler.Result) map[string]nodestore.State {
	out := make(map[string]nodestore.State, len(res.Nodes))
	for id, n := range res.Nodes {
		out[id] = n.State
	}
	return out
}

func TestRun_PartialReuseAcrossIndices(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 4)
	rec := testutil.NewRecorder()
	s := newSatellite(rec)

	first := h.run(t, ctx, s.dag(t, "ndvi"), scheduler.Request{})
	require.Equal(t, scheduler.StatusSucceeded, first.Status)
	assert.Equal(t, 4, rec.Total())
	assert.Equal(t, 4, first.Computed())
	_, ok := first.Output("render.map")
	assert.True(t, ok)

	second := h.run(t, ctx, s.dag(t, "ndwi"), scheduler.Request{})
	require.Equal(t, scheduler.StatusSucceeded, second.Status)
	assert.True(t, second.Nodes["fetch"].Cached)
	assert.True(t, second.Nodes["extract"].Cached)
	assert.False(t, second.Nodes["index"].Cached)
	assert.False(t, second.Nodes["render"].Cached)
	assert.Equal(t, 1, rec.Calls("fetch_scene"))
	assert.Equal(t, 1, rec.Calls("extract_bands"))
	assert.Equal(t, 2, rec.Calls("compute_index"))
	assert.Equal(t, 2, rec.Calls("render_map"))
	assert.Equal(t, first.Nodes["extract"].Fingerprint, second.Nodes["extract"].Fingerprint)
	assert.NotEqual(t, first.Nodes["index"].Fingerprint, second.Nodes["index"].Fingerprint)
}

func TestRun_IdenticalRerunComputesNothing(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 2)
	rec := testutil.NewRecorder()
	s := newSatellite(rec)

	h.run(t, ctx, s.dag(t, "ndvi"), scheduler.Request{})
	writes := h.backend.Writes()

	again := h.run(t, ctx, s.dag(t, "ndvi"), scheduler.Request{})
	assert.Equal(t, scheduler.StatusSucceeded, again.Status)
	assert.Equal(t, 0, again.Computed())
	assert.Equal(t, 4, rec.Total())
	assert.Equal(t, writes, h.backend.Writes())
	for id, n := range again.Nodes {
		assert.True(t, n.Cached, id)
		assert.Zero(t, n.Attempts, id)
	}
}

func TestRun_AttemptTimeoutsAreRetried(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 2)
	rec := testutil.NewRecorder()
	s := newSatellite(rec)

	var calls atomic.Int32
	s.extract = testutil.Step("extract_bands", []string{"scene"}, []string{"bands"},
		model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			if calls.Add(1) <= 2 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return testutil.EchoOutputs("extract_bands", in, p, "bands"), nil
		}))
	s.extract.Timeout = 20 * time.Millisecond

	res := h.run(t, ctx, s.dag(t, "ndvi"), scheduler.Request{})
	require.Equal(t, scheduler.StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.Nodes["extract"].Attempts)
	assert.Equal(t, nodestore.Succeeded, res.Nodes["render"].State)

	rec2, ok := res.Snapshot.Record("extract")
	require.True(t, ok)
	assert.Equal(t, 3, rec2.Attempts)
}

func TestRun_FailureSkipsDescendants(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 2)
	rec := testutil.NewRecorder()
	s := newSatellite(rec)
	s.extract = testutil.Step("extract_bands", []string{"scene"}, []string{"bands"},
		testutil.Script(rec, "extract_bands", nil, errs.Permanentf("scene archive is corrupt")))

	d := s.dag(t, "ndvi")
	res := h.run(t, ctx, d, scheduler.Request{})

	assert.Equal(t, scheduler.StatusFailed, res.Status)
	assert.Equal(t, map[string]nodestore.State{
		"fetch":   nodestore.Succeeded,
		"extract": nodestore.Failed,
		"index":   nodestore.Skipped,
		"render":  nodestore.Skipped,
	}, states(res))
	assert.Equal(t, "upstream extract failed", res.Nodes["index"].Reason)
	assert.Equal(t, "upstream index skipped", res.Nodes["render"].Reason)
	assert.Equal(t, 1, res.Nodes["extract"].Attempts)
	assert.True(t, errs.IsPermanent(res.Nodes["extract"].Err))
	assert.Zero(t, rec.Calls("compute_index"))
	assert.ErrorContains(t, res.Err(), "scene archive is corrupt")

	// The failure left nothing behind in the cache for extract.
	assert.False(t, h.backend.Has(res.Nodes["extract"].Fingerprint))
}

func boundariesPipeline(t *testing.T, rec *testutil.Recorder, tolerate bool, seen *model.Inputs) *dag.DAG {
	t.Helper()
	s := newSatellite(rec)
	boundaries := testutil.Step("fetch_boundaries", []string{"aoi"}, []string{"vectors"},
		testutil.Script(rec, "fetch_boundaries", nil, errs.Permanentf("boundary service returned 404")))
	render := testutil.Step("render_map", []string{"index", "overlay"}, []string{"map"},
		model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			*seen = in
			return testutil.EchoOutputs("render_map", in, p, "map"), nil
		}))
	render.ToleratesMissing = tolerate

	d := dag.New([]string{"aoi"}, []string{"render.map"},
		dag.NodeSpec{ID: "fetch", Step: s.fetch, Inputs: map[string]string{"aoi": "external.aoi"}},
		dag.NodeSpec{ID: "extract", Step: s.extract, Inputs: map[string]string{"scene": "fetch.scene"}},
		dag.NodeSpec{ID: "index", Step: s.index, Inputs: map[string]string{"bands": "extract.bands"}},
		dag.NodeSpec{ID: "boundaries", Step: boundaries, Inputs: map[string]string{"aoi": "external.aoi"}},
		dag.NodeSpec{ID: "render", Step: render,
			Inputs:     map[string]string{"index": "index.index", "overlay": "boundaries.vectors"},
			BestEffort: []string{"overlay"}},
	)
	require.NoError(t, d.Validate())
	return d
}

func TestRun_BestEffortEdgeDeliversMissingMarker(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 3)
	var seen model.Inputs

	res := h.run(t, ctx, boundariesPipeline(t, testutil.NewRecorder(), true, &seen), scheduler.Request{})

	assert.Equal(t, scheduler.StatusSucceeded, res.Status)
	assert.Equal(t, nodestore.Failed, res.Nodes["boundaries"].State)
	assert.Equal(t, nodestore.Succeeded, res.Nodes["render"].State)
	require.Contains(t, seen, "overlay")
	assert.True(t, seen["overlay"].IsMissing())
	assert.False(t, seen["index"].IsMissing())
}

func TestRun_BestEffortEdgeIntoIntolerantStepFails(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 3)
	var seen model.Inputs

	res := h.run(t, ctx, boundariesPipeline(t, testutil.NewRecorder(), false, &seen), scheduler.Request{})

	assert.Equal(t, scheduler.StatusFailed, res.Status)
	assert.Equal(t, nodestore.Failed, res.Nodes["render"].State)
	assert.True(t, errs.IsPermanent(res.Nodes["render"].Err))
	assert.ErrorContains(t, res.Nodes["render"].Err, "does not tolerate missing inputs")
	assert.Nil(t, seen)
}

func TestRun_MissingExternalFailsBeforeExecution(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 1)
	rec := testutil.NewRecorder()

	_, err := h.sched.Run(ctx, newSatellite(rec).dag(t, "ndvi"), scheduler.Request{External: map[string]model.Artifact{"bbox": aoi}})

	var v *errs.ValidationError
	require.True(t, errors.As(err, &v), "got %v", err)
	assert.Equal(t, errs.CheckExternals, v.Check)
	assert.Equal(t, []string{"fetch"}, v.Nodes)
	assert.Contains(t, err.Error(), `external input "aoi" is not supplied`)
	assert.Contains(t, err.Error(), `unknown external input "bbox"`)
	assert.Zero(t, rec.Total())
}

func TestRun_RejectsUnvalidatedDAG(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 1)
	d := dag.New(nil, nil, dag.NodeSpec{ID: "a", Step: testutil.EchoStep(nil, "a", nil, []string{"out"})})

	_, err := h.sched.Run(ctx, d, scheduler.Request{})
	assert.Error(t, err)
}

func TestRun_UnknownRequiredOutput(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 1)

	_, err := h.sched.Run(ctx, newSatellite(nil).dag(t, "ndvi"), scheduler.Request{
		External: map[string]model.Artifact{"aoi": aoi},
		Required: []string{"render.png"},
	})
	assert.True(t, errs.IsValidation(err))
}

func TestRun_CancellationSkipsRemainingNodes(t *testing.T) {
	base, _ := testutil.Context(t)
	ctx, cancel := context.WithCancel(base)
	defer cancel()

	h := newHarness(t, 2)
	s := newSatellite(nil)
	started := make(chan struct{})
	s.extract = testutil.Step("extract_bands", []string{"scene"}, []string{"bands"},
		model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	go func() {
		<-started
		cancel()
	}()
	res := h.run(t, ctx, s.dag(t, "ndvi"), scheduler.Request{})

	assert.Equal(t, scheduler.StatusCancelled, res.Status)
	assert.Equal(t, map[string]nodestore.State{
		"fetch":   nodestore.Succeeded,
		"extract": nodestore.Skipped,
		"index":   nodestore.Skipped,
		"render":  nodestore.Skipped,
	}, states(res))
	for _, id := range []string{"extract", "index", "render"} {
		assert.Equal(t, scheduler.ReasonCancelled, res.Nodes[id].Reason, id)
	}
	assert.True(t, errs.IsCancellation(res.Err()))
	assert.False(t, h.backend.Has(res.Nodes["extract"].Fingerprint))
}

func TestRun_SingleWorkerDispatchesInTopologicalOrder(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 1)
	rec := testutil.NewRecorder()

	d := dag.New(nil, nil,
		dag.NodeSpec{ID: "a", Step: testutil.EchoStep(rec, "a", nil, []string{"out"})},
		dag.NodeSpec{ID: "c", Step: testutil.EchoStep(rec, "c", []string{"in"}, []string{"out"}), Inputs: map[string]string{"in": "a.out"}},
		dag.NodeSpec{ID: "b", Step: testutil.EchoStep(rec, "b", nil, []string{"out"})},
		dag.NodeSpec{ID: "d", Step: testutil.EchoStep(rec, "d", nil, []string{"out"})},
	)
	require.NoError(t, d.Validate())

	res := h.run(t, ctx, d, scheduler.Request{})
	require.Equal(t, scheduler.StatusSucceeded, res.Status)
	assert.Equal(t, []string{"a", "c", "b", "d"}, rec.Order())
}

func TestRun_WorkerPoolBoundsConcurrency(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 2)

	var current, peak atomic.Int32
	slow := func(name string) *model.Step {
		return testutil.Step(name, nil, []string{"out"},
			model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				current.Add(-1)
				return testutil.EchoOutputs(name, in, p, "out"), nil
			}))
	}
	var specs []dag.NodeSpec
	for i := range 6 {
		name := fmt.Sprintf("tile_%d", i)
		specs = append(specs, dag.NodeSpec{ID: name, Step: slow(name)})
	}
	d := dag.New(nil, nil, specs...)
	require.NoError(t, d.Validate())

	res := h.run(t, ctx, d, scheduler.Request{})
	assert.Equal(t, scheduler.StatusSucceeded, res.Status)
	assert.Equal(t, int32(2), peak.Load())
}

func TestRun_ConcurrentRunsComputeOnce(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 2)
	rec := testutil.NewRecorder()
	s := newSatellite(rec)

	dags := []*dag.DAG{s.dag(t, "ndvi"), s.dag(t, "ndvi"), s.dag(t, "ndvi")}
	var wg sync.WaitGroup
	results := make([]*scheduler.Result, len(dags))
	for i, d := range dags {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.sched.Run(ctx, d, scheduler.Request{External: map[string]model.Artifact{"aoi": aoi}})
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, scheduler.StatusSucceeded, res.Status)
	}
	for _, name := range []string{"fetch_scene", "extract_bands", "compute_index", "render_map"} {
		assert.Equal(t, 1, rec.Calls(name), name)
	}
}

func TestRun_NonCacheableStepAlwaysRuns(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 2)
	rec := testutil.NewRecorder()
	s := newSatellite(rec)

	latest := testutil.EchoStep(rec, "resolve_latest_scene", []string{"aoi"}, []string{"scene_id"})
	latest.NonCacheable = true
	fetch := testutil.EchoStep(rec, "fetch_scene", []string{"scene_id"}, []string{"scene"})

	build := func() *dag.DAG {
		d := dag.New([]string{"aoi"}, nil,
			dag.NodeSpec{ID: "latest", Step: latest, Inputs: map[string]string{"aoi": "external.aoi"}},
			dag.NodeSpec{ID: "fetch", Step: fetch, Inputs: map[string]string{"scene_id": "latest.scene_id"}},
			dag.NodeSpec{ID: "extract", Step: s.extract, Inputs: map[string]string{"scene": "fetch.scene"}},
		)
		require.NoError(t, d.Validate())
		return d
	}

	h.run(t, ctx, build(), scheduler.Request{})
	res := h.run(t, ctx, build(), scheduler.Request{})

	assert.Equal(t, 2, rec.Calls("resolve_latest_scene"))
	assert.False(t, res.Nodes["latest"].Cached)
	assert.False(t, h.backend.Has(res.Nodes["latest"].Fingerprint))
	assert.Equal(t, 1, rec.Calls("fetch_scene"))
	assert.True(t, res.Nodes["fetch"].Cached)
}

func TestRun_ResumeContinuesFailedRun(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 2)
	rec := testutil.NewRecorder()
	s := newSatellite(rec)
	s.extract = testutil.Step("extract_bands", []string{"scene"}, []string{"bands"},
		testutil.Script(rec, "extract_bands", testutil.Echo(nil, "extract_bands", "bands"),
			errs.Permanentf("disk full")))

	first := h.run(t, ctx, s.dag(t, "ndvi"), scheduler.Request{RunID: "run-7"})
	require.Equal(t, scheduler.StatusFailed, first.Status)
	assert.Equal(t, "run-7", first.Snapshot.RunID)

	second := h.run(t, ctx, s.dag(t, "ndvi"), scheduler.Request{Resume: first.Snapshot})
	require.Equal(t, scheduler.StatusSucceeded, second.Status)
	assert.Equal(t, "run-7", second.RunID)
	assert.True(t, second.Nodes["fetch"].Resumed)
	assert.True(t, second.Nodes["fetch"].Cached)
	assert.False(t, second.Nodes["extract"].Resumed)
	assert.Equal(t, 1, rec.Calls("fetch_scene"))

	rec2, ok := second.Snapshot.Record("extract")
	require.True(t, ok)
	assert.Equal(t, 2, rec2.Attempts)
	assert.Equal(t, nodestore.Succeeded, rec2.State)

	_, err := h.sched.Run(ctx, s.dag(t, "ndvi"), scheduler.Request{
		RunID:    "run-8",
		Resume:   first.Snapshot,
		External: map[string]model.Artifact{"aoi": aoi},
	})
	assert.Error(t, err)
}

func TestRun_PublishesStateChanges(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 1)

	h.run(t, ctx, newSatellite(nil).dag(t, "ndvi"), scheduler.Request{RunID: "r"})

	assert.Equal(t,
		[]nodestore.State{nodestore.Ready, nodestore.Running, nodestore.Succeeded},
		h.events.States("extract"))
	evs := h.events.Events()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.RunStarted, evs[0].Kind)
	assert.Equal(t, events.RunFinished, evs[len(evs)-1].Kind)
	assert.Equal(t, "succeeded", evs[len(evs)-1].Status)
	for _, ev := range evs {
		assert.Equal(t, "r", ev.RunID)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	exec, err := executor.New(executor.Config{Retry: executor.DefaultRetryPolicy()})
	require.NoError(t, err)

	_, err = scheduler.New(scheduler.Config{Workers: 0}, nil, exec, nil)
	assert.Error(t, err)
	_, err = scheduler.New(scheduler.Config{Workers: 1}, nil, nil, nil)
	assert.Error(t, err)
}

func TestRun_UnboundOptionalInputIsMissing(t *testing.T) {
	ctx, _ := testutil.Context(t)
	h := newHarness(t, 1)
	var seen model.Inputs

	render := testutil.Step("render_map", nil, []string{"map"},
		model.ComputeFunc(func(ctx context.Context, in model.Inputs, p params.Set) (model.Outputs, error) {
			seen = in
			return testutil.EchoOutputs("render_map", in, p, "map"), nil
		}))
	render.Inputs = []model.Port{{Name: "index"}, {Name: "overlay", Optional: true}}
	render.ToleratesMissing = true

	d := dag.New(nil, nil,
		dag.NodeSpec{ID: "index", Step: testutil.EchoStep(nil, "compute_index", nil, []string{"index"})},
		dag.NodeSpec{ID: "render", Step: render, Inputs: map[string]string{"index": "index.index"}},
	)
	require.NoError(t, d.Validate())

	res := h.run(t, ctx, d, scheduler.Request{})
	require.Equal(t, scheduler.StatusSucceeded, res.Status)
	require.Contains(t, seen, "overlay")
	assert.True(t, seen["overlay"].IsMissing())
}
