package cvr

import "time"

func nowForTest() time.Time {
	return time.Now()
}
