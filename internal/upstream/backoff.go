package upstream

import "time"

// Backoff yields exponentially growing reconnect delays: Initial, 2*Initial,
// ... capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Initial
	}
	d := b.next
	if d > b.Max {
		d = b.Max
	}
	b.next = d * 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

func (b *Backoff) Reset() {
	b.next = b.Initial
}
