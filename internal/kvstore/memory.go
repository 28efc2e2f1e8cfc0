package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process fake of Store, used by every other package's
// unit tests. It implements the same atomic-script contract as the Redis
// backend by running the equivalent logic under a single mutex rather than
// a Lua VM — callers cannot tell the difference from outside Store.
type MemoryStore struct {
	mu sync.Mutex

	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	scalar map[string]memScalar
	zsets  map[string]map[string]float64

	// expireAt tracks TTL deadlines for hash/scalar keys uniformly.
	expireAt map[string]time.Time
}

type memScalar struct {
	value string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		scalar:   make(map[string]memScalar),
		zsets:    make(map[string]map[string]float64),
		expireAt: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) isExpiredLocked(key string) bool {
	deadline, ok := s.expireAt[key]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(s.hashes, key)
		delete(s.scalar, key)
		delete(s.zsets, key)
		delete(s.sets, key)
		delete(s.expireAt, key)
		return true
	}
	return false
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isExpiredLocked(key)
	out := make(map[string]string)
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isExpiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, key)
	delete(s.scalar, key)
	delete(s.zsets, key)
	delete(s.sets, key)
	delete(s.expireAt, key)
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireAt[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isExpiredLocked(key)
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.scalar[key]; ok {
		return true, nil
	}
	if _, ok := s.zsets[key]; ok {
		return true, nil
	}
	if _, ok := s.sets[key]; ok {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (s *MemoryStore) SRem(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isExpiredLocked(key) {
		return "", false, nil
	}
	v, ok := s.scalar[key]
	if !ok {
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalar[key] = memScalar{value: value}
	if ttl > 0 {
		s.expireAt[key] = time.Now().Add(ttl)
	} else {
		delete(s.expireAt, key)
	}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isExpiredLocked(key)
	if _, ok := s.scalar[key]; ok {
		return false, nil
	}
	s.scalar[key] = memScalar{value: value}
	if ttl > 0 {
		s.expireAt[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (s *MemoryStore) GetDel(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isExpiredLocked(key) {
		return "", false, nil
	}
	v, ok := s.scalar[key]
	if !ok {
		return "", false, nil
	}
	delete(s.scalar, key)
	delete(s.expireAt, key)
	return v.value, true, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.expireAt[key]
	if !ok {
		return 0, false, nil
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, nil
	}
	if _, present := z[member]; !present {
		return 0, nil
	}
	delete(z, member)
	return 1, nil
}

func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for m, sc := range z {
		if sc >= min && sc <= max {
			delete(z, m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, sc := range s.zsets[key] {
		if sc >= min && sc <= max {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ZRevRangeByScore(ctx context.Context, key string, max, min float64, offset, count int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := zrangeFiltered(s.zsets[key], min, max)
	sort.Slice(members, func(i, j int) bool { return members[i].Score > members[j].Score })
	return sliceWindow(members, offset, count), nil
}

func (s *MemoryStore) ZRangeWithScores(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := zrangeFiltered(s.zsets[key], min, max)
	sort.Slice(members, func(i, j int) bool { return members[i].Score < members[j].Score })
	return members, nil
}

func (s *MemoryStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrByFloatLocked(key, delta), nil
}

func (s *MemoryStore) incrByFloatLocked(key string, delta float64) float64 {
	cur := 0.0
	if v, ok := s.scalar[key]; ok {
		cur, _ = strconv.ParseFloat(v.value, 64)
	}
	next := cur + delta
	s.scalar[key] = memScalar{value: strconv.FormatFloat(next, 'f', -1, 64)}
	return next
}

func (s *MemoryStore) EvalInt(ctx context.Context, id ScriptID, keys []string, args ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch id {
	case ScriptAcquireLease:
		return s.acquireLeaseLocked(keys, args)
	case ScriptRefreshLease:
		return s.refreshLeaseLocked(keys, args)
	case ScriptReleaseLockIfOwner:
		return s.releaseLockIfOwnerLocked(keys, args)
	default:
		return 0, fmt.Errorf("kvstore: script id %d does not return int", id)
	}
}

func (s *MemoryStore) EvalFloat(ctx context.Context, id ScriptID, keys []string, args ...string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch id {
	case ScriptIncrementCost:
		return s.incrementCostLocked(keys, args)
	default:
		return 0, fmt.Errorf("kvstore: script id %d does not return float", id)
	}
}

// acquireLeaseLocked mirrors acquireLeaseScript: Keys=[setKey],
// Args=[nowMs, expireAtMs, member].
func (s *MemoryStore) acquireLeaseLocked(keys []string, args []string) (int64, error) {
	if len(keys) != 1 || len(args) != 3 {
		return 0, fmt.Errorf("kvstore: acquire lease expects 1 key, 3 args")
	}
	setKey := keys[0]
	now, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, err
	}
	expireAt, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, err
	}
	member := args[2]

	z, ok := s.zsets[setKey]
	if !ok {
		z = make(map[string]float64)
		s.zsets[setKey] = z
	}
	for m, sc := range z {
		if sc < now {
			delete(z, m)
		}
	}
	z[member] = expireAt
	return int64(len(z)), nil
}

// refreshLeaseLocked mirrors refreshLeaseScript: Keys=[setKey],
// Args=[member, newExpireAtMs].
func (s *MemoryStore) refreshLeaseLocked(keys []string, args []string) (int64, error) {
	if len(keys) != 1 || len(args) != 2 {
		return 0, fmt.Errorf("kvstore: refresh lease expects 1 key, 2 args")
	}
	setKey := keys[0]
	member := args[0]
	newExpireAt, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return 0, err
	}

	z, ok := s.zsets[setKey]
	if !ok {
		return 0, nil
	}
	if _, present := z[member]; !present {
		return 0, nil
	}
	z[member] = newExpireAt
	return 1, nil
}

// releaseLockIfOwnerLocked mirrors releaseLockIfOwnerScript: Keys=[lockKey],
// Args=[owner].
func (s *MemoryStore) releaseLockIfOwnerLocked(keys []string, args []string) (int64, error) {
	if len(keys) != 1 || len(args) != 1 {
		return 0, fmt.Errorf("kvstore: release lock expects 1 key, 1 arg")
	}
	lockKey := keys[0]
	owner := args[0]

	s.isExpiredLocked(lockKey)
	v, ok := s.scalar[lockKey]
	if !ok || v.value != owner {
		return 0, nil
	}
	delete(s.scalar, lockKey)
	delete(s.expireAt, lockKey)
	return 1, nil
}

// incrementCostLocked mirrors incrementCostScript: Keys=[totalKey, dailyKey,
// modelKey], Args=[delta, dailyTTLSeconds].
func (s *MemoryStore) incrementCostLocked(keys []string, args []string) (float64, error) {
	if len(keys) != 3 || len(args) != 2 {
		return 0, fmt.Errorf("kvstore: increment cost expects 3 keys, 2 args")
	}
	delta, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, err
	}
	ttlSeconds, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, err
	}

	total := s.incrByFloatLocked(keys[0], delta)
	s.incrByFloatLocked(keys[1], delta)
	s.expireAt[keys[1]] = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	s.incrByFloatLocked(keys[2], delta)
	s.expireAt[keys[2]] = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	return total, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel, message string) error {
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.hashes {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range s.scalar {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range s.zsets {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	for k := range s.sets {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func zrangeFiltered(z map[string]float64, min, max float64) []ScoredMember {
	out := make([]ScoredMember, 0, len(z))
	for m, sc := range z {
		if sc >= min && sc <= max {
			out = append(out, ScoredMember{Member: m, Score: sc})
		}
	}
	return out
}

func sliceWindow(members []ScoredMember, offset, count int64) []string {
	if offset < 0 {
		offset = 0
	}
	if int(offset) >= len(members) {
		return nil
	}
	end := len(members)
	if count > 0 && int(offset)+int(count) < end {
		end = int(offset) + int(count)
	}
	out := make([]string, 0, end-int(offset))
	for _, m := range members[offset:end] {
		out = append(out, m.Member)
	}
	return out
}
