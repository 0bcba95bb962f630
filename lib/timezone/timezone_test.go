package timezone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartOfDay(t *testing.T) {
	cases := []struct {
		now    time.Time
		expect time.Time
	}{
		{
			now:    time.Date(2025, time.April, 7, 9, 30, 0, 0, Location),
			expect: time.Date(2025, time.April, 7, 0, 0, 0, 0, Location),
		},
		{
			// 23:30 UTC is already the next day in JST
			now:    time.Date(2025, time.April, 7, 23, 30, 0, 0, time.UTC),
			expect: time.Date(2025, time.April, 8, 0, 0, 0, 0, Location),
		},
		{
			now:    time.Date(2025, time.April, 7, 0, 0, 0, 0, Location),
			expect: time.Date(2025, time.April, 7, 0, 0, 0, 0, Location),
		},
	}

	for _, test := range cases {
		require.Equal(t, test.expect, StartOfDay(test.now))
	}
}
