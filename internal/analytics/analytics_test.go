package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/analyticsd/internal/cache"
	"github.com/loykin/analyticsd/internal/job"
	"github.com/loykin/analyticsd/internal/store"
)

type fixture struct {
	st  *store.Store
	c   *cache.Cache
	mr  *miniredis.Miniredis
	svc *Services
}

type staticCounts map[job.State]int

func (s staticCounts) Counts() map[job.State]int { return s }

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewFromDSN(filepath.Join(t.TempDir(), "analytics.db"), store.Pool{})
	require.NoError(t, err)
	require.NoError(t, st.Connect(ctx))
	t.Cleanup(func() { _ = st.Disconnect(ctx) })
	require.NoError(t, st.EnsureSchema(ctx))

	mr := miniredis.RunT(t)
	c, err := cache.New("redis://" + mr.Addr())
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect(ctx) })

	svc, err := NewBuiltin(Deps{Store: st, Cache: c, Jobs: staticCounts{job.StateRunning: 2}})
	require.NoError(t, err)
	return fixture{st: st, c: c, mr: mr, svc: svc}
}

func seed(t *testing.T, st *store.Store, id, kind string, state job.State, at time.Time) {
	t.Helper()
	rec := store.JobRecord{
		JobID: id, Kind: kind, State: string(state),
		SubmittedAt: at.Add(-time.Second), StartedAt: at.Add(-time.Second), FinishedAt: at,
	}
	if state == job.StateFailed {
		rec.Error = sql.NullString{String: "boom", Valid: true}
	}
	require.NoError(t, st.InsertJob(context.Background(), rec))
}

func TestNewBuiltinRequiresStore(t *testing.T) {
	_, err := NewBuiltin(Deps{})
	assert.Error(t, err)
}

func TestRunAnalysisAggregatesAndCaches(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	seed(t, f.st, "a1", KindReport, job.StateSucceeded, now.Add(-time.Hour))
	seed(t, f.st, "a2", KindReport, job.StateFailed, now.Add(-time.Hour))
	seed(t, f.st, "a3", KindAnalysis, job.StateSucceeded, now.Add(-time.Hour))
	seed(t, f.st, "old", KindAnalysis, job.StateFailed, now.Add(-90*24*time.Hour))

	req, err := Request{EndDate: now}.Normalize(now)
	require.NoError(t, err)
	out, err := f.svc.Analyzer.RunAnalysis(context.Background(), req)
	require.NoError(t, err)
	a := out.(Analysis)
	assert.Equal(t, int64(3), a.Total)
	require.Len(t, a.Kinds, 2)
	assert.Equal(t, KindAnalysis, a.Kinds[0].Kind)
	assert.Equal(t, 1.0, a.Kinds[0].SuccessRate)
	assert.Equal(t, KindReport, a.Kinds[1].Kind)
	assert.Equal(t, 0.5, a.Kinds[1].SuccessRate)

	// second call is served from the cache even though history changed
	seed(t, f.st, "a4", KindReport, job.StateSucceeded, now.Add(-time.Minute))
	out, err = f.svc.Analyzer.RunAnalysis(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.(Analysis).Total)
}

func TestRetrainThenReport(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	seed(t, f.st, "r1", KindReport, job.StateSucceeded, now.Add(-time.Hour))
	seed(t, f.st, "r2", KindReport, job.StateFailed, now.Add(-time.Hour))

	require.NoError(t, f.svc.Trainer.RetrainModels(context.Background()))
	require.NoError(t, f.svc.Trainer.RetrainModels(context.Background()))
	v, err := f.mr.Get(cache.KeyPrefix + keyModelVersion)
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	req, err := Request{}.Normalize(now.Add(time.Second))
	require.NoError(t, err)
	out, err := f.svc.Reporter.GenerateReport(context.Background(), req)
	require.NoError(t, err)
	r := out.(Report)
	assert.Equal(t, int64(2), r.ModelVersion)
	assert.Equal(t, 0.5, r.Predicted[KindReport])
	assert.Equal(t, int64(2), r.Total)
}

func TestCollectSystemMetricsCachesSample(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Analyzer.CollectSystemMetrics(context.Background()))

	var s SystemSample
	found, err := f.c.GetJSON(context.Background(), keyLatestMetrics, &s)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2.0, s.Values["jobs_running"])
	assert.Contains(t, s.Values, "db_open_connections")
	assert.True(t, f.mr.Exists(cache.KeyPrefix+keyLatestMetrics))
}

func TestCollectSystemMetricsFailsWithoutStore(t *testing.T) {
	st, err := store.NewFromDSN(filepath.Join(t.TempDir(), "closed.db"), store.Pool{})
	require.NoError(t, err)
	svc, err := NewBuiltin(Deps{Store: st})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Analyzer.CollectSystemMetrics(context.Background()), store.ErrNotOpen)
	assert.ErrorIs(t, svc.Trainer.RetrainModels(context.Background()), store.ErrNotOpen)
}

func TestWorkFor(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.WorkFor("predict-the-future", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = f.svc.WorkFor(KindReport, json.RawMessage(`{"start_date": 5}`))
	assert.Error(t, err)
	_, err = f.svc.WorkFor(KindReport, json.RawMessage(`{"start_date":"2025-02-01T00:00:00Z","end_date":"2025-01-01T00:00:00Z"}`))
	assert.Error(t, err, "inverted range")

	for _, kind := range Kinds() {
		w, err := f.svc.WorkFor(kind, json.RawMessage(`null`))
		require.NoError(t, err, kind)
		_, err = w(context.Background())
		assert.NoError(t, err, kind)
	}

	partial := &Services{Analyzer: f.svc.Analyzer}
	_, err = partial.WorkFor(KindReport, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), "available: analysis")

	_, err = (&Services{}).WorkFor(KindAnalysis, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), "available: none")
}

func TestPeriodicJobsAndAvailability(t *testing.T) {
	f := newFixture(t)
	jobs := f.svc.PeriodicJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, RetrainJobName, jobs[0].Name)
	assert.Equal(t, DefaultRetrainInterval, jobs[0].Interval)
	assert.True(t, jobs[0].Immediate)
	assert.Equal(t, MetricsJobName, jobs[1].Name)
	assert.Equal(t, DefaultMetricsInterval, jobs[1].Interval)

	assert.Equal(t, map[string]bool{"analytics": true, "prediction": true, "reporting": true}, f.svc.Available())
	var none *Services
	assert.Equal(t, map[string]bool{"analytics": false, "prediction": false, "reporting": false}, none.Available())
	assert.Empty(t, (&Services{}).PeriodicJobs())
}
