package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func testClass(id uint16, current uint32) Class {
	return Class{ID: id, Window: 10, Clear: 300, Alert: 200, Limit: 100, Disconnect: 50, Current: current, Max: 500}
}

func TestLimiterEmptyAllowsEverything(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(4, 6))
		l.Sent(4, 6)
	}
	assert.Empty(t, l.Classes())
}

func TestLimiterHoldsBelowAlert(t *testing.T) {
	clk := newClock()
	l := New(WithClock(clk.Now))
	l.Load(Params{Classes: []Class{testClass(1, 250)}})

	require.True(t, l.Allow(4, 6))
	l.Sent(4, 6) // (250*9+0)/10 = 225
	require.True(t, l.Allow(4, 6))
	l.Sent(4, 6) // (225*9+0)/10 = 202

	assert.False(t, l.Allow(4, 6))
	assert.Equal(t, 182*time.Millisecond, l.Delay(4, 6))

	clk.Advance(181 * time.Millisecond)
	assert.False(t, l.Allow(4, 6))
	clk.Advance(time.Millisecond)
	assert.True(t, l.Allow(4, 6))
}

func TestLimiterGroupsSelectClass(t *testing.T) {
	clk := newClock()
	l := New(WithClock(clk.Now))
	l.Load(Params{
		Classes: []Class{testClass(1, 500), testClass(2, 0)},
		Groups:  map[uint16][]Pair{2: {{Family: 4, Subtype: 6}}},
	})

	l.Sent(4, 6)
	assert.False(t, l.Allow(4, 6), "class 2 starts exhausted")
	assert.True(t, l.Allow(1, 2), "unlisted SNACs fall back to class 1")
}

func TestLimiterLimitedWaitsForClear(t *testing.T) {
	clk := newClock()
	l := New(WithClock(clk.Now))
	l.Load(Params{Classes: []Class{testClass(1, 250)}})
	l.Sent(1, 2)

	l.Update(testClass(1, 250), true)
	clk.Advance(100 * time.Millisecond)
	// (250*9+100)/10 = 235: above alert, below clear
	assert.False(t, l.Allow(1, 2))

	clk.Advance(time.Second)
	assert.True(t, l.Allow(1, 2))
	l.Sent(1, 2)
	assert.False(t, l.Classes()[0].Limited)
}

func TestLimiterReportedLevelHoldsFirstSend(t *testing.T) {
	clk := newClock()
	l := New(WithClock(clk.Now))
	l.Load(Params{Classes: []Class{testClass(1, 150)}})

	// (150*9+e)/10 reaches alert 200 at e = 650ms
	assert.Equal(t, 650*time.Millisecond, l.Delay(4, 6))
	clk.Advance(649 * time.Millisecond)
	assert.False(t, l.Allow(4, 6))
	clk.Advance(time.Millisecond)
	assert.True(t, l.Allow(4, 6))
}

func TestLimiterLimitNoticeBeforeAnySend(t *testing.T) {
	clk := newClock()
	l := New(WithClock(clk.Now))
	c := Class{ID: 1, Window: 20, Clear: 3000, Alert: 2000, Limit: 1500, Disconnect: 1000, Current: 6000, Max: 6000}
	l.Load(Params{Classes: []Class{c}})
	require.True(t, l.Allow(4, 6))

	clk.Advance(time.Minute)
	c.Current = 1400
	l.Update(c, true)
	// waits from the notice: (1400*19+e)/20 reaches clear 3000 at e = 33400ms
	assert.Equal(t, 33400*time.Millisecond, l.Delay(4, 6))

	clk.Advance(33399 * time.Millisecond)
	assert.False(t, l.Allow(4, 6))
	clk.Advance(time.Millisecond)
	assert.True(t, l.Allow(4, 6))
}

func TestLimiterLevelCapsAtMax(t *testing.T) {
	clk := newClock()
	l := New(WithClock(clk.Now))
	l.Load(Params{Classes: []Class{testClass(1, 490)}})
	l.Sent(1, 2)
	clk.Advance(time.Hour)
	l.Sent(1, 2)
	assert.Equal(t, uint32(500), l.Classes()[0].Current)
}

func TestParamsRoundTrip(t *testing.T) {
	in := Params{
		Classes: []Class{testClass(1, 400), testClass(2, 300)},
		Groups: map[uint16][]Pair{
			1: {{Family: 1, Subtype: 6}, {Family: 1, Subtype: 8}},
			2: {{Family: 4, Subtype: 6}},
		},
	}
	out, err := ParseParams(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseParamsExtendedLayout(t *testing.T) {
	c := testClass(1, 400)
	b := []byte{0, 1}
	b = appendClass(b, c)
	b = append(b, 0, 0, 0, 9, 0) // last time, dropping flag
	b = append(b, 0, 1, 0, 1, 0, 4, 0, 6)

	p, err := ParseParams(b)
	require.NoError(t, err)
	require.Len(t, p.Classes, 1)
	assert.Equal(t, c, p.Classes[0])
	assert.Equal(t, []Pair{{Family: 4, Subtype: 6}}, p.Groups[1])
}

func TestParseParamsMalformed(t *testing.T) {
	for name, b := range map[string][]byte{
		"empty":           nil,
		"short classes":   {0, 2, 0, 1},
		"truncated group": append(appendClass([]byte{0, 1}, testClass(1, 0)), 0, 1, 0, 2, 0, 4),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParams(b)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestChangeRoundTrip(t *testing.T) {
	c := testClass(3, 120)
	code, got, err := ParseChange(EncodeChange(ChangeLimit, c))
	require.NoError(t, err)
	assert.Equal(t, ChangeLimit, code)
	assert.Equal(t, c, got)

	_, _, err = ParseChange([]byte{0, 1})
	assert.ErrorIs(t, err, ErrMalformed)
}
