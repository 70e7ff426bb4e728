package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strings"
	"time"
)

// cacheKey computes a stable hash of (operation, arguments). Any
// ":" inside an argument is escaped before the arguments are joined with
// ":", so that e.g. ["a:b", "c"] and ["a", "b:c"] never collide.
func cacheKey(operation string, args []string) string {
	escaped := make([]string, len(args))
	for i, a := range args {
		escaped[i] = strings.ReplaceAll(a, ":", "\\:")
	}
	joined := operation + ":" + strings.Join(escaped, ":")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// jitteredExpiration computes now + duration*(1 + U(-variance, +variance)).
func jitteredExpiration(now time.Time, duration time.Duration, variance float64, rng *rand.Rand) time.Time {
	factor := 1 + (rng.Float64()*2-1)*variance
	return now.Add(time.Duration(float64(duration) * factor))
}

// cachedFetch implements the cache-then-probe pattern:
// a hit within the configured window returns the stored payload; an
// expired or over-long-lived entry is deleted and treated as a miss; a
// miss runs fetch and stores the result with jittered expiration.
func cachedFetch(ctx context.Context, cache Cache, operation string, args []string, duration time.Duration, variance float64, rng *rand.Rand, fetch func() ([]byte, error)) ([]byte, error) {
	key := cacheKey(operation, args)

	if payload, found, err := cache.Get(ctx, key, duration); err == nil && found {
		return payload, nil
	}

	payload, err := fetch()
	if err != nil {
		return nil, err
	}

	expiresAt := jitteredExpiration(time.Now(), duration, variance, rng)
	_ = cache.Set(ctx, key, payload, expiresAt)

	return payload, nil
}
