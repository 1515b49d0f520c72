package ratelimit

import (
	"testing"
	"time"

	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/pkg/models"
	"github.com/stretchr/testify/require"
)

const day = int64(models.SecondsPerDay)

func at(d int64, offset int64) time.Time {
	return time.Unix(d*day+offset, 0).UTC()
}

func TestApplySameDayCountsAndLimits(t *testing.T) {
	p := models.SecurityPolicy{UserID: "alice", MaxTxPerDay: 2, LastDay: 100}

	p, err := Apply(p, at(100, 10), 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.DailyTxCount)

	p, err = Apply(p, at(100, 20), 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, p.DailyTxCount)

	_, err = Apply(p, at(100, 30), 0)
	require.ErrorIs(t, err, relayerr.ErrDailyTxLimitExceeded)
}

func TestApplyRolloverResetsBeforeCounting(t *testing.T) {
	p := models.SecurityPolicy{
		UserID:       "alice",
		MaxTxPerDay:  1,
		DailyTxCount: 1,
		DailyAmount:  5000,
		LastDay:      100,
	}

	next, err := Apply(p, at(101, 1), 3)
	require.NoError(t, err)
	require.EqualValues(t, 1, next.DailyTxCount)
	require.Zero(t, next.DailyAmount)
	require.EqualValues(t, 101, next.LastDay)

	// the input is untouched
	require.EqualValues(t, 100, p.LastDay)
}

func TestApplyRolloverIgnoresZeroTxLimit(t *testing.T) {
	p := models.SecurityPolicy{UserID: "alice", MaxTxPerDay: 0, LastDay: 5}

	next, err := Apply(p, at(6, 0), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, next.DailyTxCount)

	_, err = Apply(next, at(6, 60), 1)
	require.ErrorIs(t, err, relayerr.ErrDailyTxLimitExceeded)
}

func TestApplyAllowList(t *testing.T) {
	cases := []struct {
		name    string
		allowed models.FunctionIDs
		fn      uint8
		lastDay int64
		wantErr error
	}{
		{"empty set permits all", nil, 7, 100, nil},
		{"member permitted", models.FunctionIDs{1, 2}, 2, 100, nil},
		{"non-member rejected", models.FunctionIDs{1, 2}, 0, 100, relayerr.ErrFunctionNotAllowed},
		{"non-member rejected after rollover", models.FunctionIDs{2}, 0, 99, relayerr.ErrFunctionNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := models.SecurityPolicy{UserID: "u", MaxTxPerDay: 10, LastDay: tc.lastDay, AllowedFunctionIDs: tc.allowed}
			_, err := Apply(p, at(100, 0), tc.fn)
			if tc.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestDailyScenario(t *testing.T) {
	p := models.SecurityPolicy{UserID: "u", MaxTxPerDay: 1, LastDay: 100, AllowedFunctionIDs: models.FunctionIDs{2}}

	p, err := Apply(p, at(100, 100), 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.DailyTxCount)

	_, err = Apply(p, at(100, 200), 2)
	require.ErrorIs(t, err, relayerr.ErrDailyTxLimitExceeded)

	p, err = Apply(p, at(101, 5), 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, p.DailyTxCount)
}

func TestRemaining(t *testing.T) {
	p := models.SecurityPolicy{MaxTxPerDay: 3, DailyTxCount: 2, LastDay: 10}
	require.EqualValues(t, 1, Remaining(p, at(10, 0)))
	require.EqualValues(t, 3, Remaining(p, at(11, 0)))
	p.DailyTxCount = 5
	require.EqualValues(t, 0, Remaining(p, at(10, 0)))
}
