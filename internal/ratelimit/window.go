// Package ratelimit applies a user's day-bucketed transaction window and
// function allow-list to a single action.
package ratelimit

import (
	"time"

	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/pkg/models"
)

// Apply admits one action for functionID at now against p and returns the
// policy with the action counted. p is taken by value; on error the caller
// must discard any state, including a day rollover.
//
// When now falls on a different day than p.LastDay the counters are zeroed
// first and the action is never refused by the transaction limit. The
// allow-list applies on every call.
func Apply(p models.SecurityPolicy, now time.Time, functionID uint8) (models.SecurityPolicy, error) {
	day := models.DayNumber(now)
	if day != p.LastDay {
		p.DailyTxCount = 0
		p.DailyAmount = 0
		p.LastDay = day
	} else if p.DailyTxCount >= p.MaxTxPerDay {
		return p, relayerr.ErrDailyTxLimitExceeded
	}

	if len(p.AllowedFunctionIDs) > 0 && !p.AllowedFunctionIDs.Contains(functionID) {
		return p, relayerr.ErrFunctionNotAllowed
	}

	p.DailyTxCount++
	return p, nil
}

// Remaining reports how many more actions p admits on the day of now.
func Remaining(p models.SecurityPolicy, now time.Time) uint32 {
	if models.DayNumber(now) != p.LastDay {
		return p.MaxTxPerDay
	}
	if p.DailyTxCount >= p.MaxTxPerDay {
		return 0
	}
	return p.MaxTxPerDay - p.DailyTxCount
}
