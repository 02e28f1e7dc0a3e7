package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"handle.lopezb.com/internal/handle/availability"
	"handle.lopezb.com/internal/handle/bloom"
	"handle.lopezb.com/internal/handle/metrics"
	"handle.lopezb.com/internal/handle/store"
)

func seededStore(t *testing.T, n int) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("user%05d", i)
	}
	inserted, err := s.InsertMany(context.Background(), names)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
	return s
}

func testOptions() Options {
	o := DefaultOptions()
	o.ExpectedItems = 10_000
	o.Timeout = 5 * time.Second
	return o
}

// failingSource yields pages of fresh names and fails after failAfter pages.
type failingSource struct {
	pageSize  int
	failAfter int
	err       error
}

func (s *failingSource) FindAll(ctx context.Context, _ int, fn func([]string) error) error {
	for p := 0; p < s.failAfter; p++ {
		page := make([]string, s.pageSize)
		for i := range page {
			page[i] = fmt.Sprintf("p%d-%d", p, i)
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return s.err
}

// stallingSource yields one page, then waits for cancellation.
type stallingSource struct{}

func (stallingSource) FindAll(ctx context.Context, _ int, fn func([]string) error) error {
	if err := fn([]string{"first", "second"}); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

// amnesiacFilter forgets everything it is given.
type amnesiacFilter struct{ inserts int }

func (f *amnesiacFilter) Insert(string) bool { f.inserts++; return true }
func (f *amnesiacFilter) Query(string) bool  { return false }

func TestLoadAll_Complete(t *testing.T) {
	const n = 4321
	src := seededStore(t, n)
	f, err := bloom.New(10_000, 0.01)
	require.NoError(t, err)

	l := New(testOptions(), nil, nil)
	rep, err := l.LoadAll(context.Background(), f, src)
	require.NoError(t, err)

	assert.True(t, rep.Complete)
	assert.Equal(t, uint64(n), rep.Inserted)
	assert.Equal(t, 3, rep.Pages) // 2000 + 2000 + 321
	assert.Equal(t, 3, rep.Sampled)
	assert.NotEqual(t, uuid.Nil, rep.RunID)

	// No false negatives for anything in the store.
	err = src.FindAll(context.Background(), 500, func(page []string) error {
		for _, name := range page {
			if !f.Query(name) {
				return fmt.Errorf("%s missing from filter", name)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestLoadAll_EmptyCorpus(t *testing.T) {
	f, err := bloom.New(1000, 0.01)
	require.NoError(t, err)

	rep, err := New(testOptions(), nil, nil).LoadAll(context.Background(), f, store.NewMemoryStore())
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.Zero(t, rep.Inserted)
	assert.Zero(t, rep.Pages)
	assert.Zero(t, rep.Sampled)
	assert.Zero(t, f.Count())
}

func TestLoadAll_Progress(t *testing.T) {
	var seen []Progress
	opts := testOptions()
	opts.ProgressEvery = 1000
	opts.Observer = func(p Progress) { seen = append(seen, p) }

	f, err := bloom.New(10_000, 0.01)
	require.NoError(t, err)

	_, err = New(opts, nil, nil).LoadAll(context.Background(), f, seededStore(t, 3500))
	require.NoError(t, err)

	require.Len(t, seen, 3)
	for i, p := range seen {
		assert.Equal(t, uint64(1000*(i+1)), p.Inserted)
	}
	assert.Equal(t, 2, seen[2].Pages)
}

func TestLoadAll_SourceFailureKeepsInserts(t *testing.T) {
	cause := fmt.Errorf("%w: cursor killed", store.ErrUnavailable)
	src := &failingSource{pageSize: 100, failAfter: 3, err: cause}

	f, err := bloom.New(10_000, 0.01)
	require.NoError(t, err)

	rep, err := New(testOptions(), nil, nil).LoadAll(context.Background(), f, src)
	require.ErrorIs(t, err, ErrLoadIncomplete)
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrFilterConfiguration)

	assert.False(t, rep.Complete)
	assert.Equal(t, uint64(300), rep.Inserted)
	assert.True(t, f.Query("p0-0"))
	assert.True(t, f.Query("p2-99"))
}

func TestLoadAll_Timeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 30 * time.Millisecond

	f, err := bloom.New(100, 0.01)
	require.NoError(t, err)

	start := time.Now()
	rep, err := New(opts, nil, nil).LoadAll(context.Background(), f, stallingSource{})
	require.ErrorIs(t, err, ErrLoadIncomplete)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, uint64(2), rep.Inserted)
	assert.True(t, f.Query("first"))
}

func TestLoadAll_SpotCheckFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := &amnesiacFilter{}

	rep, err := New(testOptions(), zap.New(core), nil).LoadAll(context.Background(), f, seededStore(t, 50))
	require.ErrorIs(t, err, ErrFilterConfiguration)

	var fce *FilterConfigurationError
	require.ErrorAs(t, err, &fce)
	assert.NotEmpty(t, fce.Username)

	assert.Equal(t, 50, f.inserts)
	assert.False(t, rep.Complete)
	assert.Equal(t, 1, logs.FilterMessage("spot check failed").Len())
}

func TestLoadAll_SpotCheckDisabled(t *testing.T) {
	opts := testOptions()
	opts.SpotCheck = 0

	rep, err := New(opts, nil, nil).LoadAll(context.Background(), &amnesiacFilter{}, seededStore(t, 10))
	require.NoError(t, err)
	assert.Zero(t, rep.Sampled)
}

func TestLoadAll_NilFilter(t *testing.T) {
	_, err := New(testOptions(), nil, nil).LoadAll(context.Background(), nil, store.NewMemoryStore())
	require.ErrorIs(t, err, ErrFilterConfiguration)
}

func TestLoadAll_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	f, err := bloom.New(1000, 0.01)
	require.NoError(t, err)

	_, err = New(testOptions(), nil, m).LoadAll(context.Background(), f, seededStore(t, 42))
	require.NoError(t, err)
	assert.Equal(t, 42.0, testutil.ToFloat64(m.LoadItems))
}

func TestInitialize_PublishesCompleteFilter(t *testing.T) {
	src := seededStore(t, 100)
	gate := availability.NewGate()
	m := metrics.New(prometheus.NewRegistry())

	rep, err := New(testOptions(), nil, m).Initialize(context.Background(), gate, src)
	require.NoError(t, err)
	assert.True(t, rep.Complete)
	assert.True(t, rep.Published)

	require.True(t, gate.Ready())
	assert.False(t, gate.Building())
	assert.True(t, gate.Current().Query("user00042"))
	assert.Equal(t, float64(gate.Current().Count()), testutil.ToFloat64(m.FilterItems))
}

func TestInitialize_SizesFromStoreCount(t *testing.T) {
	src := seededStore(t, 400)
	opts := testOptions()
	opts.ExpectedItems = 10

	gate := availability.NewGate()
	_, err := New(opts, nil, nil).Initialize(context.Background(), gate, src)
	require.NoError(t, err)

	wantBits, wantK, err := bloom.OptimalParams(500, opts.FalsePositiveRate)
	require.NoError(t, err)
	assert.Equal(t, wantBits, gate.Current().Bits())
	assert.Equal(t, wantK, gate.Current().K())
}

func TestInitialize_FailurePolicies(t *testing.T) {
	failing := func() store.Source {
		return &failingSource{pageSize: 10, failAfter: 1, err: errors.New("connection reset")}
	}

	t.Run("partial publishes when nothing is published", func(t *testing.T) {
		opts := testOptions()
		opts.OnFailure = OnFailurePartial
		gate := availability.NewGate()

		rep, err := New(opts, nil, nil).Initialize(context.Background(), gate, failing())
		require.ErrorIs(t, err, ErrLoadIncomplete)
		assert.True(t, rep.Published)
		require.True(t, gate.Ready())
		assert.True(t, gate.Current().Query("p0-3"))
		assert.False(t, gate.Building())
	})

	t.Run("partial never replaces a published filter", func(t *testing.T) {
		opts := testOptions()
		opts.OnFailure = OnFailurePartial
		gate := availability.NewGate()
		previous, err := bloom.New(100, 0.01)
		require.NoError(t, err)
		gate.Publish(previous)

		rep, err := New(opts, nil, nil).Initialize(context.Background(), gate, failing())
		require.ErrorIs(t, err, ErrLoadIncomplete)
		assert.False(t, rep.Published)
		assert.Same(t, previous, gate.Current())
		assert.False(t, gate.Building())
	})

	t.Run("fallthrough stays unpublished", func(t *testing.T) {
		opts := testOptions()
		opts.OnFailure = OnFailureFallthrough
		gate := availability.NewGate()

		rep, err := New(opts, nil, nil).Initialize(context.Background(), gate, failing())
		require.ErrorIs(t, err, ErrLoadIncomplete)
		assert.False(t, rep.Published)
		assert.False(t, gate.Ready())
		assert.False(t, gate.Building())
	})
}

func TestInitialize_BadSizingIsConfigurationError(t *testing.T) {
	opts := testOptions()
	opts.FalsePositiveRate = 1.5
	gate := availability.NewGate()

	_, err := New(opts, nil, nil).Initialize(context.Background(), gate, store.NewMemoryStore())
	require.ErrorIs(t, err, ErrFilterConfiguration)
	require.ErrorIs(t, err, bloom.ErrInvalidParams)
	assert.False(t, gate.Ready())
}

func TestParseOnFailure(t *testing.T) {
	tests := []struct {
		in      string
		want    OnFailure
		wantErr bool
	}{
		{"partial", OnFailurePartial, false},
		{"fallthrough", OnFailureFallthrough, false},
		{"", "", true},
		{"retry", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOnFailure(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
