package retryschedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNever(t *testing.T) {
	s := Never()
	_, ok := s.Interval()
	assert.False(t, ok)

	// Next on a terminal schedule stays terminal.
	s2 := s.Next()
	_, ok2 := s2.Interval()
	assert.False(t, ok2)
}

func TestFixed(t *testing.T) {
	s := Fixed(2 * time.Second)
	d, ok := s.Interval()
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	s = s.Next()
	d, ok = s.Interval()
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}

func TestFixedPreservesSign(t *testing.T) {
	s := Fixed(-5 * time.Millisecond)
	d, ok := s.Interval()
	assert.True(t, ok)
	assert.Equal(t, -5*time.Millisecond, d)
}

func TestExponentialGrows(t *testing.T) {
	s := Exponential(100*time.Millisecond, 2.0)

	d, ok := s.Interval()
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)

	s = s.Next()
	d, _ = s.Interval()
	assert.Equal(t, 200*time.Millisecond, d)

	s = s.Next()
	d, _ = s.Interval()
	assert.Equal(t, 400*time.Millisecond, d)
}

func TestExponentialScaleBelowOneDoesNotGrow(t *testing.T) {
	s := Exponential(100*time.Millisecond, 0.5)
	s = s.Next()
	d, _ := s.Interval()
	assert.Equal(t, 50*time.Millisecond, d)
	assert.Less(t, d, 100*time.Millisecond)
}

func TestExponentialThenFixed(t *testing.T) {
	s := ExponentialThenFixed(100*time.Millisecond, 2, 2.0)

	d, _ := s.Interval()
	assert.Equal(t, 100*time.Millisecond, d)

	s = s.Next() // 1st exponential advance
	d, _ = s.Interval()
	assert.Equal(t, 200*time.Millisecond, d)

	s = s.Next() // 2nd exponential advance
	d, _ = s.Interval()
	assert.Equal(t, 400*time.Millisecond, d)

	s = s.Next() // reverts to fixed(initial)
	d, _ = s.Interval()
	assert.Equal(t, 100*time.Millisecond, d)

	s = s.Next() // stays fixed
	d, _ = s.Interval()
	assert.Equal(t, 100*time.Millisecond, d)
}

func TestFixedThenExponential(t *testing.T) {
	s := FixedThenExponential(100*time.Millisecond, 2, 2.0)

	d, _ := s.Interval()
	assert.Equal(t, 100*time.Millisecond, d)

	s = s.Next() // still fixed
	d, _ = s.Interval()
	assert.Equal(t, 100*time.Millisecond, d)

	s = s.Next() // still fixed (n=2 fixed advances consumed)
	d, _ = s.Interval()
	assert.Equal(t, 100*time.Millisecond, d)

	s = s.Next() // switches to exponential starting at initial*scale
	d, _ = s.Interval()
	assert.Equal(t, 200*time.Millisecond, d)

	s = s.Next()
	d, _ = s.Interval()
	assert.Equal(t, 400*time.Millisecond, d)
}

func TestCountZeroAndOneAreImmediatelyTerminal(t *testing.T) {
	for _, n := range []int{0, 1} {
		s := Count(n, Fixed(time.Second))
		_, ok := s.Interval()
		assert.Falsef(t, ok, "count(%d) should have zero further attempts", n)
	}
}

func TestCountAllowsNMinusOneRetries(t *testing.T) {
	s := Count(3, Fixed(time.Second))

	attempts := 0
	for {
		_, ok := s.Interval()
		if !ok {
			break
		}
		attempts++
		s = s.Next()
		if attempts > 10 {
			t.Fatal("schedule never terminated")
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestInfiniteNeverTerminates(t *testing.T) {
	s := Infinite(Fixed(time.Millisecond))
	for i := 0; i < 1000; i++ {
		_, ok := s.Interval()
		assert.True(t, ok)
		s = s.Next()
	}
}

func TestNewIsCountWithFixedZero(t *testing.T) {
	a := New(3)
	b := Count(3, Fixed(0))

	for i := 0; i < 3; i++ {
		da, oka := a.Interval()
		db, okb := b.Interval()
		assert.Equal(t, okb, oka)
		assert.Equal(t, db, da)
		a, b = a.Next(), b.Next()
	}
}

func TestScaleDurationSaturatesInsteadOfOverflow(t *testing.T) {
	s := Exponential(time.Hour, 1e18)
	for i := 0; i < 5; i++ {
		s = s.Next()
	}
	d, ok := s.Interval()
	assert.True(t, ok)
	assert.Equal(t, time.Duration(1<<63-1), d)
}
