package mux

// credit tracks writable capacity advertised to the guest.
//
// reported is everything ever advertised, sent is everything the guest
// consumed. The guest believes reported-sent bytes are still available, so
// new credit is only granted when real free capacity exceeds that.
type credit struct {
	capacity int64
	reported int64
	sent     int64
}

func newCredit(capacity int) credit {
	return credit{capacity: int64(capacity)}
}

// grant returns the newly available bytes given the transport's current
// queue depth, and records them as reported. Never negative.
func (c *credit) grant(buffered int) uint32 {
	free := c.capacity - int64(buffered)
	delta := free - (c.reported - c.sent)
	if delta <= 0 {
		return 0
	}
	if delta > int64(^uint32(0)) {
		delta = int64(^uint32(0))
	}
	c.reported += delta
	return uint32(delta)
}

func (c *credit) spend(n int) {
	c.sent += int64(n)
}
