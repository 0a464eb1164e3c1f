package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/distributedstatemachine/folding/job"
)

// DefaultEMAAlpha weights the newest group score in a miner's running reward.
const DefaultEMAAlpha = 0.2

// Redis keeps a per-miner exponential moving average of normalized scores in
// reward:<miner> and the raw records of each group in group:<job_id>.
type Redis struct {
	rdb      *redis.Client
	alpha    float64
	groupTTL time.Duration
}

// NewRedis creates a Redis sink. alpha outside (0,1] uses DefaultEMAAlpha;
// groupTTL of 0 keeps group records forever.
func NewRedis(rdb *redis.Client, alpha float64, groupTTL time.Duration) *Redis {
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultEMAAlpha
	}
	return &Redis{rdb: rdb, alpha: alpha, groupTTL: groupTTL}
}

func rewardKey(workerID string) string { return "reward:" + workerID }
func groupKey(jobID string) string     { return "group:" + jobID }

// scoreGroup folds one scored group into the per-miner averages and stores
// the group record, all in one atomic step so validators sharing a Redis
// never lose an update.
//
// KEYS: reward:<miner>... then group:<job_id>
// ARGV: alpha, job_id, records, scored_at, ttl_seconds, then (score, valid) per miner
var scoreGroup = redis.NewScript(`
local alpha = tonumber(ARGV[1])
local n = #KEYS - 1
for i = 1, n do
  local score = tonumber(ARGV[4 + 2 * i])
  local ema = score
  local prev = redis.call('HGET', KEYS[i], 'ema')
  if prev then
    ema = alpha * score + (1 - alpha) * tonumber(prev)
  end
  redis.call('HSET', KEYS[i], 'ema', string.format('%.17g', ema), 'last_job', ARGV[2], 'last_score', ARGV[4 + 2 * i])
  redis.call('HINCRBY', KEYS[i], 'groups', 1)
  if ARGV[5 + 2 * i] == '1' then
    redis.call('HINCRBY', KEYS[i], 'answered', 1)
  end
end
local group = KEYS[n + 1]
redis.call('HSET', group, 'records', ARGV[3], 'scored_at', ARGV[4])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('EXPIRE', group, ttl)
end
return n
`)

func (s *Redis) OnGroupScored(ctx context.Context, jobID string, records []job.ScoreRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(records)+1)
	args := []any{
		strconv.FormatFloat(s.alpha, 'g', -1, 64),
		jobID,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
		int64(s.groupTTL / time.Second),
	}
	for _, r := range records {
		keys = append(keys, rewardKey(r.WorkerID))
		valid := "0"
		if r.Valid {
			valid = "1"
		}
		args = append(args, strconv.FormatFloat(r.Score, 'g', -1, 64), valid)
	}
	keys = append(keys, groupKey(jobID))

	if err := scoreGroup.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("recording group %s: %w", jobID, err)
	}
	return nil
}

// Reward returns a miner's smoothed reward, or 0 if it has never been scored.
func (s *Redis) Reward(ctx context.Context, workerID string) (float64, error) {
	v, err := s.rdb.HGet(ctx, rewardKey(workerID), "ema").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(v, 64)
}

// Rewards returns the smoothed reward of every miner seen so far.
func (s *Redis) Rewards(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	iter := s.rdb.Scan(ctx, 0, rewardKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		r, err := s.Reward(ctx, strings.TrimPrefix(key, rewardKey("")))
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, rewardKey(""))] = r
	}
	return out, iter.Err()
}

// Group returns the stored records of a scored group.
func (s *Redis) Group(ctx context.Context, jobID string) ([]job.ScoreRecord, error) {
	raw, err := s.rdb.HGet(ctx, groupKey(jobID), "records").Result()
	if err != nil {
		return nil, err
	}
	var records []job.ScoreRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, err
	}
	return records, nil
}
