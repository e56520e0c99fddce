package core

import (
	"time"

	log "github.com/sirupsen/logrus"

	"miner-uptime/model"
	"miner-uptime/util"
)

// QuietUntil reports whether now falls inside the user's quiet hours and,
// if so, when they end. Windows may cross midnight; the end is returned in UTC.
func QuietUntil(pref *model.UserPreference, now time.Time) (time.Time, bool) {
	if pref == nil || !pref.QuietEnabled {
		return time.Time{}, false
	}
	sh, sm, err := util.ParseClock(pref.QuietStart)
	if err != nil {
		log.Warnf("Ignoring quiet hours of user %d: %v", pref.UserId, err)
		return time.Time{}, false
	}
	eh, em, err := util.ParseClock(pref.QuietEnd)
	if err != nil {
		log.Warnf("Ignoring quiet hours of user %d: %v", pref.UserId, err)
		return time.Time{}, false
	}
	start, end := sh*60+sm, eh*60+em
	if start == end {
		return time.Time{}, false
	}

	loc, err := time.LoadLocation(pref.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	var quiet, tomorrow bool
	if start < end {
		quiet = cur >= start && cur < end
	} else {
		quiet = cur >= start || cur < end
		tomorrow = cur >= start
	}
	if !quiet {
		return time.Time{}, false
	}

	day := local.Day()
	if tomorrow {
		day++
	}
	until := time.Date(local.Year(), local.Month(), day, eh, em, 0, 0, loc)
	return until.UTC(), true
}
