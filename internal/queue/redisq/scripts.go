package redisq

import "github.com/redis/go-redis/v9"

// Every lane has three keys: the FIFO list of queued job ids, a marker and
// an in-flight key. The marker is 'ready' while the lane sits on the ready
// list and holds the owning worker while it runs a job. Both carry a lease
// so a lane popped by a worker that never claimed it, or claimed by one
// that died, is rescued by the sweeper. The in-flight key names the job a
// worker claimed and outlives the lease so the sweeper can recover it.

// enqueueScript stores the job hash, appends it to its lane and schedules
// the lane unless it is already ready or owned by a worker. Returns 0 when
// the job id is taken.
//
// KEYS: job hash, lane list, lane marker, ready list, lanes set, jobs zset, tag sets...
// ARGV: job id, concurrency key, created_at, lease ms, field/value pairs...
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local fields = {}
for i = 5, #ARGV do fields[#fields + 1] = ARGV[i] end
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[5], ARGV[2])
redis.call('ZADD', KEYS[6], ARGV[3], ARGV[1])
for i = 7, #KEYS do redis.call('SADD', KEYS[i], ARGV[1]) end
if redis.call('SET', KEYS[3], 'ready', 'NX', 'PX', ARGV[4]) then
  redis.call('RPUSH', KEYS[4], ARGV[2])
end
return 1
`)

// claimScript takes ownership of a lane and moves its oldest queued job to
// EXECUTING. Jobs cancelled while queued are skipped. Returns nil without
// touching the lane when another worker owns it or a lost job awaits
// recovery, and releases the lane when nothing is left.
//
// KEYS: lane list, lane marker, in-flight key
// ARGV: job key prefix, owner, lease ms, started_at
var claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur and cur ~= 'ready' then return false end
if redis.call('EXISTS', KEYS[3]) == 1 then return false end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    redis.call('DEL', KEYS[2])
    return false
  end
  local jk = ARGV[1] .. id
  if redis.call('HGET', jk, 'status') == 'QUEUED' then
    redis.call('HSET', jk, 'status', 'EXECUTING', 'started_at', ARGV[4])
    redis.call('SET', KEYS[3], id)
    return id
  end
end
`)

// finishScript records the outcome and hands the lane back to the ready
// list if more jobs are waiting. Returns 0 without writing when the job is
// no longer this lane's in-flight job because the sweeper recovered it.
//
// KEYS: job hash, lane list, lane marker, ready list, in-flight key
// ARGV: status, attempts, error, finished_at, concurrency key, retention ms, job id, lease ms
var finishScript = redis.NewScript(`
if redis.call('GET', KEYS[5]) ~= ARGV[7] then return 0 end
redis.call('DEL', KEYS[5])
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'attempts', ARGV[2], 'error', ARGV[3], 'finished_at', ARGV[4])
redis.call('HDEL', KEYS[1], 'cancel_requested')
if tonumber(ARGV[6]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[6]) end
if redis.call('LLEN', KEYS[2]) > 0 then
  redis.call('SET', KEYS[3], 'ready', 'PX', ARGV[8])
  redis.call('RPUSH', KEYS[4], ARGV[5])
else
  redis.call('DEL', KEYS[3])
end
return 1
`)

// requeueScript puts a job interrupted by shutdown back at the head of its
// lane.
//
// KEYS: job hash, lane list, lane marker, ready list, in-flight key
// ARGV: job id, concurrency key, lease ms
var requeueScript = redis.NewScript(`
if redis.call('GET', KEYS[5]) ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[5])
redis.call('HSET', KEYS[1], 'status', 'QUEUED')
redis.call('HDEL', KEYS[1], 'started_at', 'cancel_requested')
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], 'ready', 'PX', ARGV[3])
redis.call('RPUSH', KEYS[4], ARGV[2])
return 1
`)

// cancelScript cancels a queued job or flags an executing one. Returns the
// action taken: missing, canceled, requested or the terminal status.
//
// KEYS: job hash
// ARGV: key prefix, job id, finished_at, error, retention ms
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status == 'QUEUED' then
  local kind = redis.call('HGET', KEYS[1], 'kind')
  local key = redis.call('HGET', KEYS[1], 'concurrency_key')
  redis.call('LREM', ARGV[1] .. 'lane:' .. kind .. ':' .. key, 0, ARGV[2])
  redis.call('HSET', KEYS[1], 'status', 'CANCELED', 'error', ARGV[4], 'finished_at', ARGV[3])
  if tonumber(ARGV[5]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[5]) end
  return 'canceled'
end
if status == 'EXECUTING' then
  redis.call('HSET', KEYS[1], 'cancel_requested', '1')
  return 'requested'
end
return status
`)

// sweepScript inspects a lane whose marker has expired. A job left
// EXECUTING by a vanished worker is put back at the head of the lane, or
// settled as CANCELED when a cancel was requested and FAILED once it has
// been recovered too often. The lane is then rescheduled, or evicted when
// it is empty. Returns 'ok', 'evicted', 'rescued', or
// 'requeued:<id>', 'canceled:<id>', 'failed:<id>' for a recovered job.
//
// KEYS: lane list, lane marker, ready list, lanes set, in-flight key
// ARGV: concurrency key, job key prefix, lease ms, max recoveries, finished_at, retention ms, worker lost error, cancelled error
var sweepScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 'ok' end
local lost = ''
local id = redis.call('GET', KEYS[5])
if id then
  redis.call('DEL', KEYS[5])
  local jk = ARGV[2] .. id
  if redis.call('HGET', jk, 'status') == 'EXECUTING' then
    if redis.call('HGET', jk, 'cancel_requested') == '1' then
      redis.call('HSET', jk, 'status', 'CANCELED', 'error', ARGV[8], 'finished_at', ARGV[5])
      redis.call('HDEL', jk, 'cancel_requested')
      if tonumber(ARGV[6]) > 0 then redis.call('PEXPIRE', jk, ARGV[6]) end
      lost = 'canceled:' .. id
    elseif redis.call('HINCRBY', jk, 'recoveries', 1) > tonumber(ARGV[4]) then
      redis.call('HSET', jk, 'status', 'FAILED', 'error', ARGV[7], 'finished_at', ARGV[5])
      if tonumber(ARGV[6]) > 0 then redis.call('PEXPIRE', jk, ARGV[6]) end
      lost = 'failed:' .. id
    else
      redis.call('HSET', jk, 'status', 'QUEUED')
      redis.call('HDEL', jk, 'started_at')
      redis.call('LPUSH', KEYS[1], id)
      lost = 'requeued:' .. id
    end
  end
end
if redis.call('LLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[4], ARGV[1])
  if lost ~= '' then return lost end
  return 'evicted'
end
redis.call('SET', KEYS[2], 'ready', 'PX', ARGV[3])
redis.call('RPUSH', KEYS[3], ARGV[1])
if lost ~= '' then return lost end
return 'rescued'
`)
