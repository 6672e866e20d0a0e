package redisx

import "time"

const (
	// dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// {dedup key}:reply holds the answer sent for a processed event.
	KeyReply = "%s:reply"

	// lease:{name} holds the current holder's token.
	KeyLease = "lease:%s"
)

var (
	TTLDedup = 48 * time.Hour
)
