package redisx

import "time"

const (
	// Checkout idempotency: idem:checkout:{idempotency_key} -> order_id
	KeyIdemCheckout = "idem:checkout:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
)
