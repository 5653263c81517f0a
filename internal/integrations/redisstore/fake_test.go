package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is an in-memory stand-in for the commands interface built on
// go-redis result constructors.
type fakeRedis struct {
	kv    map[string]string
	ttl   map[string]time.Duration
	zsets map[string]map[string]float64
	sets  map[string]int64
	err   error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:    map[string]string{},
		ttl:   map[string]time.Duration{},
		zsets: map[string]map[string]float64{},
		sets:  map[string]int64{},
	}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.kv[key] = string(v)
	default:
		f.kv[key] = fmt.Sprint(v)
	}
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) ZAddArgs(_ context.Context, key string, args redis.ZAddArgs) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	z, ok := f.zsets[key]
	if !ok {
		z = map[string]float64{}
		f.zsets[key] = z
	}
	var added int64
	for _, m := range args.Members {
		member := fmt.Sprint(m.Member)
		cur, exists := z[member]
		switch {
		case !exists:
			z[member] = m.Score
			added++
		case args.LT && m.Score < cur:
			z[member] = m.Score
		case !args.LT && !args.NX:
			z[member] = m.Score
		}
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) ZCard(_ context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	return redis.NewIntResult(int64(len(f.zsets[key])), nil)
}

func (f *fakeRedis) ZRank(_ context.Context, key, member string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	z := f.zsets[key]
	if _, ok := z[member]; !ok {
		return redis.NewIntResult(0, redis.Nil)
	}
	for i, m := range sortedMembers(z) {
		if m == member {
			return redis.NewIntResult(int64(i), nil)
		}
	}
	return redis.NewIntResult(0, redis.Nil)
}

// ZRangeByScore supports numeric bounds with an optional "(" exclusive
// prefix and a Count limit.
func (f *fakeRedis) ZRangeByScore(_ context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	if f.err != nil {
		return redis.NewStringSliceResult(nil, f.err)
	}
	minScore, minExcl := parseBound(opt.Min)
	maxScore, maxExcl := parseBound(opt.Max)
	z := f.zsets[key]
	var out []string
	for _, m := range sortedMembers(z) {
		score := z[m]
		if score < minScore || (minExcl && score == minScore) {
			continue
		}
		if score > maxScore || (maxExcl && score == maxScore) {
			continue
		}
		out = append(out, m)
		if opt.Count > 0 && int64(len(out)) == opt.Count {
			break
		}
	}
	return redis.NewStringSliceResult(out, nil)
}

func parseBound(b string) (float64, bool) {
	exclusive := strings.HasPrefix(b, "(")
	v, err := strconv.ParseFloat(strings.TrimPrefix(b, "("), 64)
	if err != nil {
		panic(err)
	}
	return v, exclusive
}

func sortedMembers(z map[string]float64) []string {
	members := make([]string, 0, len(z))
	for m := range z {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if z[members[i]] != z[members[j]] {
			return z[members[i]] < z[members[j]]
		}
		return members[i] < members[j]
	})
	return members
}

func (f *fakeRedis) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var removed int64
	for _, m := range members {
		member := fmt.Sprint(m)
		if _, ok := f.zsets[key][member]; ok {
			delete(f.zsets[key], member)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) SCard(_ context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	return redis.NewIntResult(f.sets[key], nil)
}
