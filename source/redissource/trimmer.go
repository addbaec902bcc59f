package redissource

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"

	"github.com/getlantern/topicstream/util"
)

// PeriodicallyTrimStreams runs TrimStreams every trimInterval until ctx is done.
func PeriodicallyTrimStreams(ctx context.Context, client *redis.Client, streamKey string, maxLen int64, maxAge time.Duration, trimInterval time.Duration) {
	ticker := time.NewTicker(trimInterval)
	defer ticker.Stop()

	for {
		trimmed, err := TrimStreams(ctx, client, streamKey, maxLen, maxAge)
		if err != nil {
			log.Error(err)
		} else if trimmed > 0 {
			log.Debugf("trimmed %d entries from %v", trimmed, streamKey)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// TrimStreams caps the stream to approximately maxLen entries (it may remain a little longer) and,
// if maxAge is positive, removes entries older than maxAge. It returns the number of removed entries.
func TrimStreams(ctx context.Context, client *redis.Client, streamKey string, maxLen int64, maxAge time.Duration) (int64, error) {
	p := client.Pipeline()
	byLen := p.XTrimMaxLenApprox(ctx, streamKey, maxLen, 0)
	var byAge *redis.IntCmd
	if maxAge > 0 {
		byAge = redis.NewIntCmd(ctx, "xtrim", streamKey, "minid", "~", minIDFor(time.Now().Add(-maxAge)))
		_ = p.Process(ctx, byAge) // ignoring error because pipeline.Process always returns a nil error
	}
	if _, err := p.Exec(ctx); err != nil {
		return 0, errors.New("unable to trim %v: %v", streamKey, err)
	}

	trimmed := byLen.Val()
	if byAge != nil {
		trimmed += byAge.Val()
	}
	return trimmed, nil
}

// minIDFor returns the smallest stream id that could have been generated at ts.
func minIDFor(ts time.Time) string {
	return strconv.FormatInt(util.UnixMillis(ts), 10) + "-0"
}
