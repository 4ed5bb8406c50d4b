package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aloktripathi1/hospital-management-system/internal/appointment"
)

// ScheduleCache keeps rendered day schedules for the read path. It is a pure
// accelerator: every entry has a TTL, writers invalidate the affected
// (provider, day) key, and the booking engine never consults it. A stale
// entry can only ever cost a caller a conflict response, never a double
// booking.
type ScheduleCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewScheduleCache(client *redis.Client, ttl time.Duration) *ScheduleCache {
	return &ScheduleCache{client: client, ttl: ttl}
}

func dayKey(providerID int64, day time.Time) string {
	return fmt.Sprintf("schedule:provider:%d:%s", providerID, day.Format("2006-01-02"))
}

// GetDay returns the cached slots for a provider and day, or ok=false on a
// miss. Redis errors are reported as misses; the caller falls through to the
// ledger.
func (c *ScheduleCache) GetDay(ctx context.Context, providerID int64, day time.Time) ([]appointment.Slot, bool) {
	data, err := c.client.Get(ctx, dayKey(providerID, day)).Bytes()
	if err != nil {
		return nil, false
	}

	var slots []appointment.Slot
	if err := json.Unmarshal(data, &slots); err != nil {
		return nil, false
	}
	return slots, true
}

func (c *ScheduleCache) SetDay(ctx context.Context, providerID int64, day time.Time, slots []appointment.Slot) {
	data, err := json.Marshal(slots)
	if err != nil {
		return
	}
	c.client.Set(ctx, dayKey(providerID, day), data, c.ttl)
}

// InvalidateDay drops the entry for one provider and day. Called after every
// successful write touching that day's ledger.
func (c *ScheduleCache) InvalidateDay(ctx context.Context, providerID int64, day time.Time) {
	c.client.Del(ctx, dayKey(providerID, day))
}
