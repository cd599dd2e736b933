package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide_DefaultAlwaysDelivers(t *testing.T) {
	p := New(Config{})
	for i := 0; i < 10; i++ {
		d := p.Decide("sequence.any.perform.step")
		require.True(t, d.Deliver)
		assert.Empty(t, d.Reason)
	}
	assert.Equal(t, 10, p.Count("sequence.any.perform.step"))
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		keys        []string
		wantDeliver []bool
		wantReason  string
	}{
		{
			name:        "skip sequence prefix",
			cfg:         Config{SkipSequences: []string{"sequence.other"}},
			keys:        []string{"sequence.other.perform.x", "sequence.mine.perform.x"},
			wantDeliver: []bool{false, true},
			wantReason:  ReasonSkipSequence,
		},
		{
			name:        "cap of two",
			cfg:         Config{MaxRunsForKey: map[string]int{"k": 2}},
			keys:        []string{"k", "k", "k", "k"},
			wantDeliver: []bool{true, true, false, false},
			wantReason:  ReasonMaxRuns,
		},
		{
			name:        "cap of zero never delivers",
			cfg:         Config{MaxRunsForKey: map[string]int{"k": 0}},
			keys:        []string{"k"},
			wantDeliver: []bool{false},
			wantReason:  ReasonMaxRuns,
		},
		{
			name:        "cap is exact key, not prefix",
			cfg:         Config{MaxRunsForKey: map[string]int{"k": 0}},
			keys:        []string{"k.longer"},
			wantDeliver: []bool{true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			for i, key := range tt.keys {
				d := p.Decide(key)
				assert.Equal(t, tt.wantDeliver[i], d.Deliver, "Decide(%q) #%d", key, i)
				if !d.Deliver {
					assert.Equal(t, tt.wantReason, d.Reason)
				}
			}
		})
	}
}

func TestDecide_SelfTriggeringCapStopsAtThree(t *testing.T) {
	const key = "sequence.trigger-itself.perform.trigger"
	p := New(Config{MaxRunsForKey: map[string]int{key: 3}})

	delivered := 0
	for i := 0; i < 100; i++ {
		if !p.Decide(key).Deliver {
			break
		}
		delivered++
	}

	assert.Equal(t, 3, delivered)
	assert.Equal(t, 3, p.Count(key))
	assert.Equal(t, map[string]int{key: 3}, p.Counts())
}

func TestReset(t *testing.T) {
	p := New(Config{MaxRunsForKey: map[string]int{"k": 1}})
	p.Decide("k")
	require.False(t, p.Decide("k").Deliver)

	p.Reset()
	assert.Equal(t, 0, p.Count("k"))
	assert.True(t, p.Decide("k").Deliver)
}

func TestCounts_IsSnapshot(t *testing.T) {
	p := New(Config{})
	p.Decide("a")
	snap := p.Counts()
	snap["a"] = 42
	assert.Equal(t, 1, p.Count("a"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero value", cfg: Config{}},
		{name: "valid", cfg: Config{SkipSequences: []string{"a"}, MaxRunsForKey: map[string]int{"k": 3}}},
		{name: "negative cap", cfg: Config{MaxRunsForKey: map[string]int{"k": -1}}, wantErr: true},
		{name: "empty key", cfg: Config{MaxRunsForKey: map[string]int{"": 1}}, wantErr: true},
		{name: "empty prefix", cfg: Config{SkipSequences: []string{""}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
