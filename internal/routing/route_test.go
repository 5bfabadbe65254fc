package routing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetlab/fleetadmin/internal/config"
)

func TestRoute_Decisions(t *testing.T) {
	labstation := DUTRoutingInfo{IsLabstation: true, Pools: []string{"labstation_main"}}

	cases := []struct {
		name       string
		cfg        *config.RolloutConfig
		info       DUTRoutingInfo
		randFloat  float64
		wantDest   Destination
		wantReason Reason
	}{
		{
			name:       "non-labstation always legacy",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000},
			info:       DUTRoutingInfo{IsLabstation: false, Pools: []string{"some_pool"}},
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonNotALabstation,
		},
		{
			name:       "nil config routes legacy",
			cfg:        nil,
			info:       labstation,
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonRolloutNotEnabled,
		},
		{
			name:       "disabled config routes legacy",
			cfg:        &config.RolloutConfig{Enable: false, RolloutPermille: 1000},
			info:       labstation,
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonRolloutNotEnabled,
		},
		{
			name:       "no pools with default error policy routes legacy",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000},
			info:       DUTRoutingInfo{IsLabstation: true},
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonNoPools,
		},
		{
			name:       "no pools with strict error policy routes legacy",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000, UfsErrorPolicy: "strict"},
			info:       DUTRoutingInfo{IsLabstation: true},
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonNoPools,
		},
		{
			name:       "no pools with lax error policy stays eligible",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000, UfsErrorPolicy: "lax"},
			info:       DUTRoutingInfo{IsLabstation: true},
			randFloat:  0.0,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
		{
			name:       "no pools with unrecognized error policy routes legacy",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000, UfsErrorPolicy: "bogus"},
			info:       DUTRoutingInfo{IsLabstation: true},
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonNoPools,
		},
		{
			name:       "optin all duts skips the pool gate entirely",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000, OptinAllDuts: true},
			info:       DUTRoutingInfo{IsLabstation: true},
			randFloat:  0.0,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
		{
			name:       "disjoint pools route legacy",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000, OptinDutPool: []string{"labstation_canary"}},
			info:       labstation,
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonWrongPool,
		},
		{
			name:       "overlapping pools stay eligible",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000, OptinDutPool: []string{"labstation_main", "labstation_canary"}},
			info:       labstation,
			randFloat:  0.0,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
		{
			name:       "empty optin pool list imposes no restriction",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000},
			info:       labstation,
			randFloat:  0.0,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
		{
			name:       "zero threshold routes legacy even for eligible bots",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 0, OptinAllDuts: true},
			info:       labstation,
			randFloat:  0.0,
			wantDest:   DestLegacy,
			wantReason: ReasonThresholdZero,
		},
		{
			name:       "score below threshold routes recovery",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 500},
			info:       labstation,
			randFloat:  0.4999,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
		{
			// round(1000 * 0.5) = 500 is still within a 500-permille rollout.
			name:       "score at threshold routes recovery",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 500},
			info:       labstation,
			randFloat:  0.5,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
		{
			name:       "score above threshold routes legacy",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 500},
			info:       labstation,
			randFloat:  0.501,
			wantDest:   DestLegacy,
			wantReason: ReasonScoreTooHigh,
		},
		{
			name:       "pool-gated bot within threshold routes recovery",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 500, OptinDutPool: []string{"labstation_main"}},
			info:       labstation,
			randFloat:  0.5,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
		{
			name:       "full permille always routes recovery",
			cfg:        &config.RolloutConfig{Enable: true, RolloutPermille: 1000},
			info:       labstation,
			randFloat:  0.999999,
			wantDest:   DestRecovery,
			wantReason: ReasonScoreBelowThreshold,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dest, reason := Route(tc.cfg, tc.info, tc.randFloat)
			assert.Equal(t, tc.wantDest, dest)
			assert.Equal(t, tc.wantReason, reason)
		})
	}
}

// A decision is a pure function of its inputs: the same inputs always yield
// the same outcome.
func TestRoute_Deterministic(t *testing.T) {
	cfg := &config.RolloutConfig{Enable: true, RolloutPermille: 500, OptinDutPool: []string{"labstation_main"}}
	info := DUTRoutingInfo{IsLabstation: true, Pools: []string{"labstation_main"}}

	dest1, reason1 := Route(cfg, info, 0.25)
	for i := 0; i < 100; i++ {
		dest, reason := Route(cfg, info, 0.25)
		assert.Equal(t, dest1, dest)
		assert.Equal(t, reason1, reason)
	}
}

// Over many uniform draws the recovery share should track permille/1000.
func TestRoute_RolloutFraction(t *testing.T) {
	const samples = 1000000
	cfg := &config.RolloutConfig{Enable: true, RolloutPermille: 1, OptinAllDuts: true}
	info := DUTRoutingInfo{IsLabstation: true}

	rnd := rand.New(rand.NewSource(1))
	recovery := 0
	for i := 0; i < samples; i++ {
		dest, _ := Route(cfg, info, rnd.Float64())
		if dest == DestRecovery {
			recovery++
		}
	}

	expected := samples * cfg.RolloutPermille / 1000
	if recovery == 0 {
		t.Fatalf("no bots were routed to recovery out of %d samples", samples)
	}
	if recovery > 3*expected {
		t.Fatalf("too many bots routed to recovery: got %d, expected about %d", recovery, expected)
	}
}

func TestNormalizeErrorPolicy(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "fallback"},
		{in: "default", want: "fallback"},
		{in: "fallback", want: "fallback"},
		{in: "STRICT", want: "strict"},
		{in: "Lax", want: "lax"},
		{in: "bogus", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeErrorPolicy(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		assert.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestIsDisjoint(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		want bool
	}{
		{name: "both empty", a: nil, b: nil, want: true},
		{name: "one empty", a: []string{"x"}, b: nil, want: true},
		{name: "no overlap", a: []string{"a", "b"}, b: []string{"c"}, want: true},
		{name: "overlap", a: []string{"a", "b"}, b: []string{"b", "c"}, want: false},
		{name: "identical", a: []string{"a"}, b: []string{"a"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isDisjoint(tc.a, tc.b))
		})
	}
}
