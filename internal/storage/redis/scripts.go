package redis

const (
	// saveLedgerScript atomically writes a day ledger and its date index
	saveLedgerScript = `
local ledger_key = KEYS[1]    -- klimit:ledger:{date}
local index_key = KEYS[2]     -- klimit:ledgers

local date = ARGV[1]
local score = tonumber(ARGV[2])
local payload = ARGV[3]
local ttl = tonumber(ARGV[4])

-- Whole-day overwrite keeps repeated saves idempotent
redis.call('SET', ledger_key, payload, 'EX', ttl)
redis.call('ZADD', index_key, score, date)

return 'OK'
`

	// deleteLedgersBeforeScript removes every ledger dated before the cutoff
	deleteLedgersBeforeScript = `
local index_key = KEYS[1]     -- klimit:ledgers

local cutoff = ARGV[1]
local prefix = ARGV[2]

local dates = redis.call('ZRANGEBYSCORE', index_key, '-inf', '(' .. cutoff)
for _, date in ipairs(dates) do
  redis.call('DEL', prefix .. date)
end
if #dates > 0 then
  redis.call('ZREMRANGEBYSCORE', index_key, '-inf', '(' .. cutoff)
end

return #dates
`

	// appendSampleScript stores a training sample and indexes it by time
	appendSampleScript = `
local samples_key = KEYS[1]   -- klimit:samples
local index_key = KEYS[2]     -- klimit:samples:index

local id = ARGV[1]
local created_ms = tonumber(ARGV[2])
local payload = ARGV[3]

redis.call('HSET', samples_key, id, payload)
redis.call('ZADD', index_key, created_ms, id)

return 'OK'
`

	// deleteSamplesBeforeScript drops samples created before the cutoff
	deleteSamplesBeforeScript = `
local samples_key = KEYS[1]   -- klimit:samples
local index_key = KEYS[2]     -- klimit:samples:index

local cutoff = ARGV[1]

local ids = redis.call('ZRANGEBYSCORE', index_key, '-inf', '(' .. cutoff)
for _, id in ipairs(ids) do
  redis.call('HDEL', samples_key, id)
end
if #ids > 0 then
  redis.call('ZREMRANGEBYSCORE', index_key, '-inf', '(' .. cutoff)
end

return #ids
`
)
