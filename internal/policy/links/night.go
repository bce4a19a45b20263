package links

import (
	"time"

	"github.com/iamwavecut/ngguard/internal/db"
)

// NightActive reports whether the night window covers now. Hours are taken in the
// window's local time (UTC shifted by TZOffsetMin). A window with hours outside
// 0..23 is treated as inactive.
func NightActive(w db.NightWindow, now time.Time) bool {
	if !w.Enabled {
		return false
	}
	if w.FromHour < 0 || w.FromHour > 23 || w.ToHour < 0 || w.ToHour > 23 {
		return false
	}
	hour := now.UTC().Add(time.Duration(w.TZOffsetMin) * time.Minute).Hour()
	if w.FromHour <= w.ToHour {
		return w.FromHour <= hour && hour < w.ToHour
	}
	return hour >= w.FromHour || hour < w.ToHour
}
