package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snaps(now time.Time, ages ...time.Duration) []Snapshot {
	out := make([]Snapshot, 0, len(ages))
	for _, a := range ages {
		at := now.Add(-a)
		out = append(out, Snapshot{Name: NameFor(at), CreatedAt: at})
	}
	return out
}

func names(s []Snapshot) []string {
	out := make([]string, 0, len(s))
	for _, x := range s {
		out = append(out, x.Name)
	}
	return out
}

func TestNameRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 17, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "20240517-030405", NameFor(at))

	got, err := ParseName("20240517-030405")
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = ParseName("20240517-030405.tmp")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRetentionPolicy_Expired(t *testing.T) {
	now := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	t.Run("by age", func(t *testing.T) {
		all := snaps(now, 0, 2*day, 8*day, 30*day)
		got := RetentionPolicy{MaxAge: 7 * day}.Expired(all, now)
		assert.Equal(t, names(all[2:]), names(got))
	})

	t.Run("by count", func(t *testing.T) {
		all := snaps(now, 3*day, 0, 1*day, 2*day)
		got := RetentionPolicy{MaxCount: 2}.Expired(all, now)
		assert.Equal(t, []string{NameFor(now.Add(-2 * day)), NameFor(now.Add(-3 * day))}, names(got))
	})

	t.Run("newest always kept", func(t *testing.T) {
		all := snaps(now, 40*day, 50*day)
		got := RetentionPolicy{MaxAge: day, MaxCount: 1}.Expired(all, now)
		assert.Equal(t, []string{NameFor(now.Add(-50 * day))}, names(got))
	})

	t.Run("disabled", func(t *testing.T) {
		all := snaps(now, 0, 100*day)
		assert.Empty(t, RetentionPolicy{}.Expired(all, now))
	})

	t.Run("single snapshot", func(t *testing.T) {
		assert.Empty(t, RetentionPolicy{MaxAge: time.Second}.Expired(snaps(now, 10*day), now))
	})
}
