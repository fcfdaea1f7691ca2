package metering

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRuleUnitsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	rule := DefaultRule()

	properties.Property("debit is max(1, ceil(elapsed/300))", prop.ForAll(
		func(elapsed int64) bool {
			want := (elapsed + 299) / 300
			if want < 1 {
				want = 1
			}
			return rule.ProvisionalDebit(elapsed) == want
		},
		gen.Int64Range(0, 7*24*3600),
	))

	properties.Property("debit never decreases as elapsed grows", prop.ForAll(
		func(elapsed, delta int64) bool {
			return rule.ProvisionalDebit(elapsed+delta) >= rule.ProvisionalDebit(elapsed)
		},
		gen.Int64Range(0, 7*24*3600),
		gen.Int64Range(0, 3600),
	))

	properties.Property("unit cost scales the debit linearly", prop.ForAll(
		func(elapsed, cost int64) bool {
			scaled := Rule{Interval: DefaultInterval, UnitCost: cost}
			return scaled.ProvisionalDebit(elapsed) == rule.Units(elapsed)*cost
		},
		gen.Int64Range(0, 24*3600),
		gen.Int64Range(1, 50),
	))

	properties.TestingRun(t)
}

func TestRuleBoundaries(t *testing.T) {
	rule := DefaultRule()
	cases := []struct {
		elapsed int64
		want    int64
	}{
		{0, 1},
		{1, 1},
		{150, 1},
		{300, 1},
		{301, 2},
		{305, 2},
		{600, 2},
		{610, 3},
		{-5, 1},
	}
	for _, tc := range cases {
		if got := rule.ProvisionalDebit(tc.elapsed); got != tc.want {
			t.Fatalf("ProvisionalDebit(%d) = %d, want %d", tc.elapsed, got, tc.want)
		}
	}
}

func TestRuleCustomInterval(t *testing.T) {
	rule := Rule{Interval: time.Minute, UnitCost: 3}
	if got := rule.ProvisionalDebit(61); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
}

func TestMinutes(t *testing.T) {
	if got := Minutes(0); got != 0 {
		t.Fatalf("expected 0 minutes, got %d", got)
	}
	if got := Minutes(610); got != 11 {
		t.Fatalf("expected 11 minutes, got %d", got)
	}
}
