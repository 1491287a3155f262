package presence

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/critterwatch/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// at returns epoch plus the given number of seconds.
func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func cat(score float64) Detection {
	return Detection{Label: "cat", BBox: BBox{0, 0, 1, 1}, Score: score}
}

func frameOf(dets ...Detection) Frame {
	return Frame{Detections: dets}
}

// newTestFilter returns a cat filter (score > 0.5, sustained > 1s) on a mock clock.
func newTestFilter() (*Filter, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(epoch)
	f := New(NewLabelSet("cat"), 0.5, time.Second, WithClock(clock))
	return f, clock
}

// step moves the clock to sec and processes frame.
func step(f *Filter, clock *timeutil.MockClock, sec float64, frame Frame) []Verified {
	clock.Set(at(sec))
	return f.Process(frame)
}

func TestFilter_CatScenario(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()
	want := []Verified{{Label: "cat", BBox: BBox{0, 0, 1, 1}}}

	assert.Empty(t, step(f, clock, 0, frameOf(cat(0.9))), "first frame of a streak is never reported")
	snap := f.Snapshot()
	require.NotNil(t, snap.StreakStart)
	assert.True(t, snap.StreakStart.Equal(at(0)))

	assert.Empty(t, step(f, clock, 0.5, frameOf(cat(0.9))), "elapsed 0.5s is not past the 1s threshold")
	assert.Equal(t, PhaseAccumulating, f.Phase())

	got := step(f, clock, 1.5, frameOf(cat(0.9)))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("verified mismatch at t=1.5 (-want +got):\n%s", diff)
	}
	assert.Equal(t, PhaseVerified, f.Phase())

	// Gap of 0.5s since the last cat: grace repeats the cached set.
	got = step(f, clock, 2.0, frameOf())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("grace mismatch at t=2.0 (-want +got):\n%s", diff)
	}
	assert.Equal(t, PhaseGrace, f.Phase())

	// 2.5s since the last cat: full reset.
	assert.Empty(t, step(f, clock, 4.0, frameOf()))
	assert.Equal(t, PhaseIdle, f.Phase())
	snap = f.Snapshot()
	assert.Nil(t, snap.StreakStart)
	assert.Empty(t, snap.LastVerified)
}

func TestFilter_NoPrematureReport(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()

	// Every 100ms up to and including exactly the sustain threshold.
	for i := 0; i <= 10; i++ {
		got := step(f, clock, float64(i)/10, frameOf(cat(0.8)))
		assert.Emptyf(t, got, "reported at t=%.1f", float64(i)/10)
	}
}

func TestFilter_EventualReport(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()

	reported := false
	for i := 0; i <= 20 && !reported; i++ {
		reported = len(step(f, clock, float64(i)/10, frameOf(cat(0.8)))) > 0
	}
	assert.True(t, reported, "continuous presence past the threshold must be reported")
}

func TestFilter_GraceBridgesDropouts(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()
	step(f, clock, 0, frameOf(cat(0.9)))
	verified := step(f, clock, 1.2, frameOf(cat(0.9)))
	require.Len(t, verified, 1)

	for _, sec := range []float64{1.4, 2.0, 3.1} {
		got := step(f, clock, sec, frameOf())
		assert.Equalf(t, verified, got, "t=%.1f should repeat the last verified set", sec)
		assert.Equal(t, PhaseGrace, f.Phase())
	}

	// Presence resumes inside the grace window: the streak was never reset,
	// so the detection is reported straight away.
	moved := Detection{Label: "cat", BBox: BBox{2, 2, 3, 3}, Score: 0.7}
	got := step(f, clock, 3.15, frameOf(moved))
	assert.Equal(t, []Verified{{Label: "cat", BBox: BBox{2, 2, 3, 3}}}, got)
	assert.True(t, f.Snapshot().StreakStart.Equal(at(0)))
}

func TestFilter_FullResetAfterLongAbsence(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()
	step(f, clock, 0, frameOf(cat(0.9)))
	require.NotEmpty(t, step(f, clock, 1.5, frameOf(cat(0.9))))

	// Exactly AbsenceGrace after the last cat is already a full reset.
	assert.Empty(t, step(f, clock, 3.5, frameOf()))
	assert.Equal(t, PhaseIdle, f.Phase())
	assert.Empty(t, step(f, clock, 4.0, frameOf()))

	// A new streak has to re-accumulate from scratch.
	assert.Empty(t, step(f, clock, 5.0, frameOf(cat(0.9))))
	assert.Empty(t, step(f, clock, 5.9, frameOf(cat(0.9))))
	assert.Empty(t, step(f, clock, 6.0, frameOf(cat(0.9))), "elapsed equal to the threshold is not enough")
	assert.NotEmpty(t, step(f, clock, 6.01, frameOf(cat(0.9))))
}

func TestFilter_IdleIsIdempotent(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()

	frames := []Frame{
		frameOf(),
		{},
		frameOf(Detection{Label: "dog", Score: 0.99}),
		frameOf(cat(0.5)), // threshold is exclusive
		frameOf(cat(0.1)),
	}
	for i := 0; i < 50; i++ {
		got := step(f, clock, float64(i)*0.3, frames[i%len(frames)])
		assert.Empty(t, got)
		assert.Equal(t, PhaseIdle, f.Phase())
		assert.Nil(t, f.Snapshot().StreakStart)
	}
}

func TestFilter_GraceWhileAccumulatingKeepsStreak(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()
	step(f, clock, 0, frameOf(cat(0.9)))

	// A dropout before anything was verified returns the (empty) cache and
	// does not restart the sustain timer.
	assert.Empty(t, step(f, clock, 0.6, frameOf()))
	assert.Equal(t, PhaseAccumulating, f.Phase())
	assert.True(t, f.Snapshot().StreakStart.Equal(at(0)))

	assert.NotEmpty(t, step(f, clock, 1.1, frameOf(cat(0.9))))
}

func TestFilter_AbsenceBeforeVerificationResets(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()
	step(f, clock, 0, frameOf(cat(0.9)))

	assert.Empty(t, step(f, clock, 2.5, frameOf()))
	assert.Equal(t, PhaseIdle, f.Phase())
	assert.Nil(t, f.Snapshot().StreakStart)
}

func TestFilter_OnlyWatchedLabelsAreReported(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	f := New(NewLabelSet("cat", "racoon"), 0.5, 0, WithClock(clock))

	frame := frameOf(
		Detection{Label: "cat", BBox: BBox{1, 2, 3, 4}, Score: 0.9},
		Detection{Label: "person", BBox: BBox{5, 6, 7, 8}, Score: 0.99},
		Detection{Label: "racoon", BBox: BBox{9, 9, 9, 9}, Score: 0.4},
		Detection{Label: "racoon", BBox: BBox{0, 1, 0, 1}, Score: 0.6},
	)
	step(f, clock, 0, frame)
	got := step(f, clock, 0.1, frame)

	want := []Verified{
		{Label: "cat", BBox: BBox{1, 2, 3, 4}},
		{Label: "racoon", BBox: BBox{0, 1, 0, 1}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("verified mismatch (-want +got):\n%s", diff)
	}
}

func TestFilter_DegenerateThresholds(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(epoch)
	f := New(NewLabelSet("cat"), -1, -time.Second, WithClock(clock))

	assert.Empty(t, step(f, clock, 0, frameOf(cat(0))), "first frame still never reports")
	assert.Len(t, step(f, clock, 0, frameOf(cat(0))), 1, "negative sustain reports from the second frame")
}

func TestFilter_ResultDoesNotAliasCache(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()
	step(f, clock, 0, frameOf(cat(0.9)))
	got := step(f, clock, 1.5, frameOf(cat(0.9)))
	require.Len(t, got, 1)

	got[0].Label = "mutated"
	again := step(f, clock, 1.6, frameOf())
	require.Len(t, again, 1)
	assert.Equal(t, "cat", again[0].Label)
}

func TestFilter_Reset(t *testing.T) {
	t.Parallel()
	f, clock := newTestFilter()
	step(f, clock, 0, frameOf(cat(0.9)))
	step(f, clock, 1.5, frameOf(cat(0.9)))

	f.Reset()
	assert.Equal(t, PhaseIdle, f.Phase())
	assert.Empty(t, step(f, clock, 1.6, frameOf()))
	assert.Empty(t, step(f, clock, 1.7, frameOf(cat(0.9))))
}

func TestFilter_InstancesAreIndependent(t *testing.T) {
	t.Parallel()
	a, clock := newTestFilter()
	b := New(NewLabelSet("cat"), 0.5, time.Second, WithClock(clock))

	step(a, clock, 0, frameOf(cat(0.9)))
	step(b, clock, 1.2, frameOf(cat(0.9)))

	clock.Set(at(1.5))
	assert.NotEmpty(t, a.Process(frameOf(cat(0.9))))
	assert.Empty(t, b.Process(frameOf(cat(0.9))))
}

func TestFilter_DefaultsToRealClock(t *testing.T) {
	f := New(NewLabelSet("cat"), 0.5, time.Hour, WithClock(nil))
	assert.Empty(t, f.Process(frameOf(cat(0.9))))
	snap := f.Snapshot()
	require.NotNil(t, snap.StreakStart)
	assert.WithinDuration(t, time.Now(), *snap.StreakStart, time.Minute)
}

// TestFilter_RandomSequencesNeverReportEarly drives the filter with random
// frame sequences and checks that every non-empty result is backed by a
// streak older than the sustain threshold.
func TestFilter_RandomSequencesNeverReportEarly(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(42, 7))

	for run := 0; run < 200; run++ {
		f, clock := newTestFilter()
		var (
			now         float64
			streak      bool
			streakStart float64
			lastSeen    float64
		)
		for i := 0; i < 100; i++ {
			now += rng.Float64() * 0.8
			present := rng.IntN(3) > 0
			var frame Frame
			if present {
				frame = frameOf(cat(0.6 + rng.Float64()*0.4))
			}

			got := step(f, clock, now, frame)

			if len(got) > 0 {
				require.Truef(t, streak, "run %d step %d: reported without a streak", run, i)
				require.Greaterf(t, now-streakStart, 1.0,
					"run %d step %d: reported %.3fs into a streak", run, i, now-streakStart)
			}

			if streak && !present && at(now).Sub(at(lastSeen)) >= AbsenceGrace {
				streak = false
			}
			if present {
				lastSeen = now
				if !streak {
					streak, streakStart = true, now
				}
			}
		}
	}
}

func TestLabelSet(t *testing.T) {
	t.Parallel()
	s := NewLabelSet("dog", "cat", "dog")

	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("cat"))
	assert.False(t, s.Contains("Cat"))
	assert.Equal(t, []string{"cat", "dog"}, s.Labels())
	assert.Equal(t, 0, NewLabelSet().Len())
}
