package holiday

import (
	"fmt"
	"time"

	"github.com/6tail/lunar-go/calendar"
)

var kst = time.FixedZone("KST", 9*60*60)

// KoreanLunar converts Korean lunar dates to Gregorian dates.
//
// lunar-go identifies the lunar month, but it starts months on the new-moon
// date in UTC+8. The Korean calendar uses UTC+9, so a new moon between
// 15:00 and 16:00 UTC begins the month one day later in Korea (Seollal
// 2027 falls on Feb 7, not Feb 6). The month start is therefore recomputed
// from the precise new-moon instant in KST.
type KoreanLunar struct{}

// ToSolar implements LunarConverter. A negative month denotes the leap
// month, following lunar-go's convention.
func (KoreanLunar) ToSolar(year, month, day int) (t time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lunar %d-%d-%d: %v", year, month, day, r)
		}
	}()

	if day < 1 || day > 30 {
		return time.Time{}, fmt.Errorf("lunar %d-%d-%d: day out of range", year, month, day)
	}

	solar := calendar.NewLunarFromYmd(year, month, 1).GetSolar()
	if solar == nil {
		return time.Time{}, fmt.Errorf("lunar %d-%d-%d: no solar date", year, month, day)
	}

	// The UTC+8 month start is the local date of the new moon, so the
	// instant lies within half a day of local noon (04:00 UTC) on it.
	approx := time.Date(solar.GetYear(), time.Month(solar.GetMonth()), solar.GetDay(), 4, 0, 0, 0, time.UTC)
	nm := newMoonNear(approx).In(kst)

	start := time.Date(nm.Year(), nm.Month(), nm.Day(), 0, 0, 0, 0, time.UTC)
	return start.AddDate(0, 0, day-1), nil
}
