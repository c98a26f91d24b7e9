package jobstate

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvance_HappyPath(t *testing.T) {
	st := Created
	for _, next := range []Status{Uploading, Uploaded, Analyzing, AnalysisDone, GeneratingFeedback, Completed} {
		got, changed := Advance(st, next)
		require.True(t, changed, "advance %s -> %s", st, next)
		st = got
	}
	assert.Equal(t, Completed, st)
}

func TestAdvance_IgnoresRegression(t *testing.T) {
	got, changed := Advance(Analyzing, Uploaded)
	assert.False(t, changed)
	assert.Equal(t, Analyzing, got)

	got, changed = Advance(Analyzing, Analyzing)
	assert.False(t, changed)
	assert.Equal(t, Analyzing, got)
}

func TestAdvance_FailedFromAnyNonTerminal(t *testing.T) {
	for _, st := range Incomplete() {
		got, changed := Advance(st, Failed)
		assert.True(t, changed, st.String())
		assert.Equal(t, Failed, got)
	}
}

func TestAdvance_TerminalIsSticky(t *testing.T) {
	for _, term := range []Status{Completed, Failed} {
		for _, next := range All() {
			got, changed := Advance(term, next)
			assert.False(t, changed)
			assert.Equal(t, term, got)
		}
	}
}

func TestAdvance_RandomSequencesNeverRegress(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	all := All()
	for i := 0; i < 500; i++ {
		st := Created
		for j := 0; j < 20; j++ {
			prev := st
			st, _ = Advance(st, all[rng.Intn(len(all))])
			require.GreaterOrEqual(t, st.Rank(), prev.Rank())
			if prev.Terminal() {
				require.Equal(t, prev, st)
			}
		}
	}
}

func TestAdvance_RejectsInvalid(t *testing.T) {
	for _, bad := range []Status{"", "queued"} {
		got, changed := Advance(Created, bad)
		assert.False(t, changed)
		assert.Equal(t, Created, got)
	}
}

func TestParseAndJSON(t *testing.T) {
	for _, st := range All() {
		parsed, err := Parse(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}
	_, err := Parse("queued")
	assert.Error(t, err)
	assert.False(t, Status("queued").Valid())
	assert.Equal(t, -1, Status("").Rank())

	b, err := json.Marshal(struct {
		S Status `json:"s"`
	}{AnalysisDone})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"analysis_done"}`, string(b))

	var out struct {
		S Status `json:"s"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"s":"generating_feedback"}`), &out))
	assert.Equal(t, GeneratingFeedback, out.S)
	assert.Error(t, json.Unmarshal([]byte(`{"s":"bogus"}`), &out))
}

func TestBump(t *testing.T) {
	assert.Equal(t, 20, Bump(5, 20))
	assert.Equal(t, 20, Bump(20, 5))
	assert.Equal(t, 100, Bump(90, 250))
	assert.Equal(t, 0, Bump(0, -10))
	assert.Equal(t, 100, Bump(150, 10))
}

func TestBump_RandomSequencesMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := 0
	for i := 0; i < 1000; i++ {
		next := Bump(p, rng.Intn(300)-100)
		require.GreaterOrEqual(t, next, p)
		require.GreaterOrEqual(t, next, 0)
		require.LessOrEqual(t, next, 100)
		p = next
	}
}
