// Package redis provides a Redis implementation of the subsync.Storage interface.
// Records are hashes holding the JSON document, its version and the billing customer
// id. Create and compare-and-swap run as Lua scripts, so the customer index and the
// user index change together with the record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const (
	defaultKeyPrefix = "subsync:"
	scanBatchSize    = 500

	resultOK       = "ok"
	resultExists   = "exists"
	resultNotFound = "not_found"
	resultConflict = "conflict"
)

// Storage implements subsync.Storage and subsync.TimeSource using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var (
	_ subsync.Storage    = (*Storage)(nil)
	_ subsync.TimeSource = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:").
	// With a cluster or ring client the prefix must carry a hash tag, for
	// example "{subsync}:", so that a record and its indexes share a slot.
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: defaultKeyPrefix,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring; see
// Config.KeyPrefix for the sharded clients.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// KEYS[1] record, KEYS[2] user index, KEYS[3] customer index (optional)
	// ARGV: version, data, customer id, user id
	s.scripts["create"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 'exists'
		end
		redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2], 'customer', ARGV[3])
		redis.call('ZADD', KEYS[2], 0, ARGV[4])
		if KEYS[3] then
			redis.call('SADD', KEYS[3], ARGV[4])
		end
		return 'ok'
	`)

	// KEYS[1] record, then the old and new customer indexes when present
	// ARGV: expected version, new version, data, old customer id, new customer id,
	// user id, position of the old index in KEYS (0 = none), same for the new index
	s.scripts["cas"] = redis.NewScript(`
		local current = redis.call('HGET', KEYS[1], 'version')
		if not current then
			return 'not_found'
		end
		if tonumber(current) ~= tonumber(ARGV[1]) then
			return 'conflict'
		end
		local old = redis.call('HGET', KEYS[1], 'customer') or ''
		if old ~= ARGV[4] then
			return 'conflict'
		end
		local oi = tonumber(ARGV[7])
		local ni = tonumber(ARGV[8])
		if oi > 0 then
			redis.call('SREM', KEYS[oi], ARGV[6])
		end
		if ni > 0 then
			redis.call('SADD', KEYS[ni], ARGV[6])
		end
		redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3], 'customer', ARGV[5])
		return 'ok'
	`)
}

// GetRecord implements subsync.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*subsync.Record, error) {
	data, err := s.client.HGet(ctx, s.recordKey(userID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decode(data)
}

// CreateRecord implements subsync.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *subsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := s.scripts["create"].Run(ctx, s.client,
		s.createKeys(rec.UserID, rec.BillingCustomerID),
		rec.Version, data, rec.BillingCustomerID, rec.UserID,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	if res == resultExists {
		return subsync.ErrRecordExists
	}
	return nil
}

// CompareAndSwapRecord implements subsync.Storage with an atomic Lua script
func (s *Storage) CompareAndSwapRecord(ctx context.Context, rec *subsync.Record, expectedVersion int64) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// The old customer index must be named up front; the script rejects the
	// write if the stored customer moved in between.
	oldCustomer, err := s.client.HGet(ctx, s.recordKey(rec.UserID), "customer").Result()
	if errors.Is(err, redis.Nil) {
		return subsync.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read record customer: %w", err)
	}

	keys, oldIdx, newIdx := s.casKeys(rec.UserID, oldCustomer, rec.BillingCustomerID)
	res, err := s.scripts["cas"].Run(ctx, s.client, keys,
		expectedVersion, rec.Version, data, oldCustomer, rec.BillingCustomerID, rec.UserID, oldIdx, newIdx,
	).Text()
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	switch res {
	case resultOK:
		return nil
	case resultNotFound:
		return subsync.ErrRecordNotFound
	case resultConflict:
		return subsync.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected script result %q", res)
	}
}

// FindByCustomerID implements subsync.Storage
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) ([]*subsync.Record, error) {
	if customerID == "" {
		return nil, nil
	}
	userIDs, err := s.client.SMembers(ctx, s.customerPrefix()+customerID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read customer index: %w", err)
	}
	sort.Strings(userIDs)

	recs, err := s.fetch(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	// The index may briefly lag a record that moved to another customer
	out := recs[:0]
	for _, rec := range recs {
		if rec.BillingCustomerID == customerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ScanRecords implements subsync.Storage. Users are visited in lexical order
// from the user index, in batches.
func (s *Storage) ScanRecords(ctx context.Context, fn func(*subsync.Record) bool) error {
	min := "-"
	for {
		userIDs, err := s.client.ZRangeByLex(ctx, s.usersKey(), &redis.ZRangeBy{
			Min:   min,
			Max:   "+",
			Count: scanBatchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to scan user index: %w", err)
		}
		recs, err := s.fetch(ctx, userIDs)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !fn(rec) {
				return nil
			}
		}
		if len(userIDs) < scanBatchSize {
			return nil
		}
		min = "(" + userIDs[len(userIDs)-1]
	}
}

// fetch loads records in one pipeline, skipping users whose record is gone.
func (s *Storage) fetch(ctx context.Context, userIDs []string) ([]*subsync.Record, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(userIDs))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = pipe.HGet(ctx, s.recordKey(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}

	out := make([]*subsync.Record, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch record: %w", err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Now implements subsync.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) recordKey(userID string) string {
	return s.config.KeyPrefix + "record:" + userID
}

func (s *Storage) usersKey() string {
	return s.config.KeyPrefix + "users"
}

func (s *Storage) customerPrefix() string {
	return s.config.KeyPrefix + "customer:"
}

func (s *Storage) customerKey(customerID string) string {
	return s.customerPrefix() + customerID
}

// createKeys lists every key the create script touches.
func (s *Storage) createKeys(userID, customerID string) []string {
	keys := []string{s.recordKey(userID), s.usersKey()}
	if customerID != "" {
		keys = append(keys, s.customerKey(customerID))
	}
	return keys
}

// casKeys lists every key the compare-and-swap script touches, with the 1-based
// positions of the customer indexes to leave and to join (0 when there is none).
func (s *Storage) casKeys(userID, oldCustomerID, newCustomerID string) (keys []string, oldIdx, newIdx int) {
	keys = []string{s.recordKey(userID)}
	if oldCustomerID != "" && oldCustomerID != newCustomerID {
		keys = append(keys, s.customerKey(oldCustomerID))
		oldIdx = len(keys)
	}
	if newCustomerID != "" {
		keys = append(keys, s.customerKey(newCustomerID))
		newIdx = len(keys)
	}
	return keys, oldIdx, newIdx
}

func decode(data []byte) (*subsync.Record, error) {
	var rec subsync.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}
