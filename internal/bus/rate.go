package bus

import "sync"

// rateBuckets is the number of one-minute buckets in the rolling hour.
const rateBuckets = 60

// millisPerMinute converts event timestamps to bucket indexes.
const millisPerMinute = 60_000

// hourlyRate tracks events per rolling hour using one-minute buckets.
type hourlyRate struct {
	mu      sync.Mutex
	buckets [rateBuckets]int64
	minutes [rateBuckets]int64
}

func newHourlyRate() *hourlyRate {
	return &hourlyRate{}
}

// record counts one event at the given millisecond timestamp.
func (r *hourlyRate) record(tsMillis int64) {
	minute := tsMillis / millisPerMinute
	idx := minute % rateBuckets

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.minutes[idx] != minute {
		r.minutes[idx] = minute
		r.buckets[idx] = 0
	}

	r.buckets[idx]++
}

// perHour returns the event count across the buckets of the last hour.
func (r *hourlyRate) perHour() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest int64
	for _, m := range r.minutes {
		if m > latest {
			latest = m
		}
	}

	var total int64

	for i, n := range r.buckets {
		// Skip buckets last touched more than an hour before the newest.
		if latest-r.minutes[i] < rateBuckets {
			total += n
		}
	}

	return float64(total)
}
