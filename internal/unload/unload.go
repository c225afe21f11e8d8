// Package unload stitches a header onto the CSV shard an Athena UNLOAD
// leaves behind.
package unload

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/darktracer/darktracer/internal/objstore"
)

// ErrNoShard means no data shard showed up under the prefix.
var ErrNoShard = errors.New("no data files found after retries")

// FinalName is the stitched object written next to the shard.
const FinalName = "final_output.csv"

const shardSuffix = "_0"

type Policy struct {
	SettleDelay time.Duration
	Attempts    int
	Interval    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{SettleDelay: 5 * time.Second, Attempts: 5, Interval: 2 * time.Second}
}

type Stitcher struct {
	Store  *objstore.Store
	Policy Policy
	// Header is written verbatim before the shard bytes.
	Header string
}

// FindShard lists prefix up to Policy.Attempts times looking for a key
// ending in _0.
func (s *Stitcher) FindShard(ctx context.Context, bucket, prefix string) (string, error) {
	attempts := s.Policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	attempt := 0
	key, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		keys, err := s.Store.List(ctx, bucket, prefix)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		for _, k := range keys {
			if strings.HasSuffix(k, shardSuffix) {
				return k, nil
			}
		}
		log.Warn().Int("attempt", attempt).Int("of", attempts).Str("prefix", prefix).Msg("no data files found yet")
		return "", ErrNoShard
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.Policy.Interval)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return key, err
}

// Stitch waits SettleDelay, finds the shard and writes Header followed by
// the shard to prefix+FinalName. It returns the written key.
func (s *Stitcher) Stitch(ctx context.Context, bucket, prefix string) (string, error) {
	if d := s.Policy.SettleDelay; d > 0 {
		log.Info().Dur("delay", d).Msg("waiting for unload files to settle")
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}

	shard, err := s.FindShard(ctx, bucket, prefix)
	if err != nil {
		return "", err
	}
	log.Info().Str("shard", shard).Msg("using first data file")

	data, err := s.Store.Get(ctx, bucket, shard)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(s.Header)+len(data))
	out = append(out, s.Header...)
	out = append(out, data...)

	final := prefix + FinalName
	if err := s.Store.Put(ctx, bucket, final, out, "text/csv"); err != nil {
		return "", err
	}
	log.Info().Str("key", final).Int("bytes", len(out)).Msg("wrote combined file")
	return final, nil
}
