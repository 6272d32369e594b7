package parsing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrTempBanDetails is returned when a modlog ban's details string does
// not describe a temporary ban the bot understands.
var ErrTempBanDetails = errors.New("invalid temporary ban details")

// durations maps the supported interval keywords to their length.
var durations = map[string]time.Duration{
	"second":  time.Second,
	"seconds": time.Second,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// The regexes to use for parsing temporary bans, in order of preference.
var tempBanPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Ban changed to (\d+)\s+(\S+)`),
	regexp.MustCompile(`(\d+)\s+(\S+)`),
}

// ParseTemporaryBan interprets the details column of a banuser modlog
// entry, e.g. "30 days" or "Ban changed to 2 weeks", returning the ban
// duration.
func ParseTemporaryBan(details string) (time.Duration, error) {
	var groups []string
	for _, re := range tempBanPatterns {
		if loc := re.FindStringSubmatchIndex(details); loc != nil && loc[0] == 0 {
			groups = re.FindStringSubmatch(details)
			break
		}
	}
	if groups == nil {
		return 0, fmt.Errorf("%w: %q (does not match any pattern)", ErrTempBanDetails, details)
	}

	count, err := strconv.ParseInt(groups[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrTempBanDetails, details, err)
	}

	unit, ok := durations[groups[2]]
	if !ok {
		return 0, fmt.Errorf("%w: %q (unknown interval %q)", ErrTempBanDetails, details, groups[2])
	}

	return time.Duration(count) * unit, nil
}
