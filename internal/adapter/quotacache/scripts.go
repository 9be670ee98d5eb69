package quotacache

// Lua scripts are the canonical atomicity mechanism for the counter fast path.
// The ledger fallback in cache.go is the explicit second path, never implicit.

// luaIncrement applies one billed cost to every counter of a (scope, id) in a
// single atomic step. The dedup guard makes the whole pipeline exactly-once
// per ledger id across retries.
//
// KEYS: 1=dedup 2=5h zset 3=daily 4=weekly 5=monthly 6=total cache
// ARGV: 1=cost 2=ledgerId 3=createdAtMs 4=ttl5h 5=ttlDaily 6=ttlWeekly
//
//	7=ttlMonthly 8=dailyRolling(0|1) 9=dedupTTL
const luaIncrement = `
if redis.call("SET", KEYS[1], "1", "NX", "EX", tonumber(ARGV[9])) == false then
  return 0
end

local member = ARGV[2] .. ":" .. ARGV[1]

redis.call("ZADD", KEYS[2], tonumber(ARGV[3]), member)
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[4]))

if ARGV[8] == "1" then
  redis.call("ZADD", KEYS[3], tonumber(ARGV[3]), member)
  redis.call("EXPIRE", KEYS[3], tonumber(ARGV[5]))
else
  redis.call("INCRBYFLOAT", KEYS[3], ARGV[1])
  redis.call("EXPIRE", KEYS[3], tonumber(ARGV[5]))
end

redis.call("INCRBYFLOAT", KEYS[4], ARGV[1])
redis.call("EXPIRE", KEYS[4], tonumber(ARGV[6]))

redis.call("INCRBYFLOAT", KEYS[5], ARGV[1])
redis.call("EXPIRE", KEYS[5], tonumber(ARGV[7]))

if redis.call("EXISTS", KEYS[6]) == 1 then
  redis.call("INCRBYFLOAT", KEYS[6], ARGV[1])
end

return 1
`

// luaRollingSum trims entries older than the window and returns the remaining
// cost sum as a string (floats survive the reply round trip as strings).
//
// KEYS: 1=zset  ARGV: 1=minScoreMs
const luaRollingSum = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
local sum = 0
for _, m in ipairs(members) do
  local cost = string.match(m, ":([^:]+)$")
  if cost then sum = sum + tonumber(cost) end
end
return tostring(sum)
`

// luaAcquire increments the session counter and rolls back when over capacity.
//
// KEYS: 1=sessions  ARGV: 1=capacity 2=idleTTL
const luaAcquire = `
local v = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
if v > tonumber(ARGV[1]) then
  redis.call("DECR", KEYS[1])
  return {0, v - 1}
end
return {1, v}
`

// luaRelease decrements the session counter, clamping at zero.
//
// KEYS: 1=sessions  ARGV: 1=idleTTL
const luaRelease = `
local v = redis.call("DECR", KEYS[1])
if v < 0 then
  redis.call("SET", KEYS[1], "0")
  v = 0
end
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
return v
`
