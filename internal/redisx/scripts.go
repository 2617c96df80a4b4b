package redisx

import "github.com/redis/go-redis/v9"

// Every state change that spans more than one key is a single script, so it
// runs atomically on the server. Timestamps travel as unix milliseconds.

// holdsLib decides whether a reservation hash still counts against stock and
// sums the live holds of a (product, size) set, pruning ids that stopped
// counting. Lapsed holds never come back, so pruning them is safe.
const holdsLib = `
local function live(rkey, now)
  local f = redis.call('HMGET', rkey, 'status', 'qty', 'expires_at', 'committed_at')
  if not f[1] then return 0, false end
  if f[1] == 'active' and tonumber(f[3]) > now then return tonumber(f[2]), true end
  if f[1] == 'completed' and tonumber(f[4]) == 0 then return tonumber(f[2]), true end
  return 0, false
end

local function held(hkey, prefix, now, skip)
  local sum = 0
  for _, id in ipairs(redis.call('SMEMBERS', hkey)) do
    if id ~= skip then
      local q, ok = live(prefix .. id, now)
      if ok then sum = sum + q else redis.call('SREM', hkey, id) end
    end
  end
  return sum
end

-- sold is the larger of the ledger's own sold counter and the caller's
-- catalog read. The counter starts from the first read and only grows when a
-- completed hold stops counting.
local function sold(ckey, seen)
  redis.call('SET', ckey, seen, 'NX')
  return math.max(tonumber(redis.call('GET', ckey)), tonumber(seen))
end
`

// KEYS: holds set. ARGV: prefix, now.
var heldScript = redis.NewScript(holdsLib + `
return held(KEYS[1], ARGV[1], tonumber(ARGV[2]), '')
`)

// KEYS: holds set, reservation hash, session reservations set, sold counter.
// ARGV: prefix, now, configured, sold, qty, id, session, product, size, expires_at.
// Returns {1, left} on success or {0, available}.
var reserveScript = redis.NewScript(holdsLib + `
local now = tonumber(ARGV[2])
local avail = tonumber(ARGV[3]) - sold(KEYS[4], ARGV[4]) - held(KEYS[1], ARGV[1], now, '')
if avail < 0 then avail = 0 end
local qty = tonumber(ARGV[5])
if avail < qty then return {0, avail} end
redis.call('HSET', KEYS[2],
  'session_id', ARGV[7], 'product_id', ARGV[8], 'size', ARGV[9], 'qty', ARGV[5],
  'status', 'active', 'created_at', ARGV[2], 'expires_at', ARGV[10], 'committed_at', '0')
redis.call('SADD', KEYS[1], ARGV[6])
redis.call('SADD', KEYS[3], ARGV[6])
return {1, avail - qty}
`)

// adjustLib moves a session's active hold on (product, size) to qty. It
// returns {1, left}, {0, available}, {-1, 0} when the session holds nothing
// for (product, size), or {-2, 0} when that hold lapsed.
const adjustLib = `
local function adjust(hkey, skey, ckey, prefix, now, configured, seen, qty, product, size)
  local target, lapsed = nil, false
  for _, id in ipairs(redis.call('SMEMBERS', skey)) do
    local f = redis.call('HMGET', prefix .. id, 'product_id', 'size', 'status', 'expires_at', 'qty')
    if f[1] == product and f[2] == size and f[3] == 'active' then
      if tonumber(f[4]) > now then
        target = {id = id, qty = tonumber(f[5])}
      else
        lapsed = true
      end
    end
  end
  if not target then
    if lapsed then return {-2, 0} end
    return {-1, 0}
  end
  local avail = configured - sold(ckey, seen) - held(hkey, prefix, now, target.id)
  if avail < 0 then avail = 0 end
  if qty > target.qty and avail < qty then return {0, avail} end
  redis.call('HSET', prefix .. target.id, 'qty', tostring(qty))
  redis.call('SADD', hkey, target.id)
  return {1, avail - qty}
end
`

// KEYS: holds set, session reservations set, sold counter.
// ARGV: prefix, now, configured, sold, qty, product, size.
var adjustScript = redis.NewScript(holdsLib + adjustLib + `
return adjust(KEYS[1], KEYS[2], KEYS[3], ARGV[1], tonumber(ARGV[2]),
  tonumber(ARGV[3]), ARGV[4], tonumber(ARGV[5]), ARGV[6], ARGV[7])
`)

// releaseLib moves every active reservation of a session set to status.
const releaseLib = `
local function release(skey, prefix, status)
  local n = 0
  for _, id in ipairs(redis.call('SMEMBERS', skey)) do
    if redis.call('HGET', prefix .. id, 'status') == 'active' then
      redis.call('HSET', prefix .. id, 'status', status)
      n = n + 1
    end
  end
  return n
end
`

// KEYS: session reservations set. ARGV: prefix, status.
var releaseScript = redis.NewScript(releaseLib + `
return release(KEYS[1], ARGV[1], ARGV[2])
`)

// extendLib pushes the active reservations of a session to until, or returns
// -1 without writing if any of them lapsed.
const extendLib = `
local function extend(skey, prefix, now, untilMS)
  local ids = {}
  for _, id in ipairs(redis.call('SMEMBERS', skey)) do
    local f = redis.call('HMGET', prefix .. id, 'status', 'expires_at')
    if f[1] == 'active' then
      if tonumber(f[2]) <= now then return -1 end
      table.insert(ids, id)
    end
  end
  for _, id in ipairs(ids) do
    redis.call('HSET', prefix .. id, 'expires_at', untilMS)
  end
  return #ids
end
`

// KEYS: session reservations set. ARGV: prefix, now, until.
var extendScript = redis.NewScript(extendLib + `
return extend(KEYS[1], ARGV[1], tonumber(ARGV[2]), ARGV[3])
`)

// KEYS: session reservations set, pending commits set.
// ARGV: prefix, now, session, sold counter prefix.
// A committed hold moves its quantity into the sold counter of its
// (product, size) in the same step, so a reserve always counts it in one of the two.
var markCommittedScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local f = redis.call('HMGET', ARGV[1] .. id, 'status', 'committed_at', 'product_id', 'size', 'qty')
  if f[1] == 'completed' and tonumber(f[2]) == 0 then
    redis.call('HSET', ARGV[1] .. id, 'committed_at', ARGV[2])
    local ckey = ARGV[4] .. f[3] .. ':' .. f[4]
    if redis.call('EXISTS', ckey) == 1 then
      redis.call('INCRBY', ckey, f[5])
    end
    n = n + 1
  end
end
redis.call('SREM', KEYS[2], ARGV[3])
return n
`)

// sessionGuard checks that a session hash exists, is active, has not lapsed
// and still carries the expected version. Codes: -1 missing, -2 version,
// -3 not active, -4 lapsed.
const sessionGuard = `
local function guard(skey, version, now)
  local f = redis.call('HMGET', skey, 'version', 'status', 'expires_at')
  if not f[1] then return -1 end
  if f[2] ~= 'active' then return -3 end
  if now >= tonumber(f[3]) then return -4 end
  if tonumber(f[1]) ~= tonumber(version) then return -2 end
  return tonumber(f[1]) + 1
end
`

// KEYS: session hash, gateway order key.
// ARGV: version, doc, now, gateway order id, session id.
var updateScript = redis.NewScript(sessionGuard + `
local v = guard(KEYS[1], ARGV[1], tonumber(ARGV[3]))
if v < 0 then return v end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', v, 'gateway_order_id', ARGV[4])
if ARGV[4] ~= '' then redis.call('SET', KEYS[2], ARGV[5]) end
return v
`)

// KEYS: session hash, session reservations set, expiry zset.
// ARGV: version, doc, now, until, prefix, session id.
var extendSessionScript = redis.NewScript(sessionGuard + extendLib + `
local now = tonumber(ARGV[3])
local v = guard(KEYS[1], ARGV[1], now)
if v < 0 then return v end
if extend(KEYS[2], ARGV[5], now, ARGV[4]) < 0 then return -4 end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', v, 'expires_at', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[6])
return v
`)

// KEYS: session hash, session reservations set, expiry zset, pending commits set.
// ARGV: status, reservation status, payment ref, now, prefix, session id.
// Returns {1, status} when written, {0, kept} when the session was already
// terminal or lapsed (written as expired), {-1, ''} when missing.
var terminateScript = redis.NewScript(releaseLib + `
local f = redis.call('HMGET', KEYS[1], 'status', 'expires_at')
if not f[1] then return {-1, ''} end
if f[1] ~= 'active' then return {0, f[1]} end
local status, rstatus, ref, applied = ARGV[1], ARGV[2], ARGV[3], 1
if status ~= 'expired' and tonumber(ARGV[4]) >= tonumber(f[2]) then
  status, rstatus, ref, applied = 'expired', 'expired', '', 0
end
release(KEYS[2], ARGV[5], rstatus)
redis.call('HSET', KEYS[1], 'status', status, 'payment_ref', ref, 'finalized_at', ARGV[4])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('ZREM', KEYS[3], ARGV[6])
if status == 'completed' then redis.call('SADD', KEYS[4], ARGV[6]) end
return {applied, status}
`)

// KEYS: session hash, holds set, session reservations set, sold counter.
// ARGV: version, doc, now, prefix, configured, sold, qty, product, size.
// Returns {1, version} when both the hold and the session were written,
// {0, guard code} when the session guard failed, or {2, adjust code, n} when
// the hold could not move. The session and the hold change only on {1, ...}.
var updateItemsScript = redis.NewScript(sessionGuard + holdsLib + adjustLib + `
local now = tonumber(ARGV[3])
local v = guard(KEYS[1], ARGV[1], now)
if v < 0 then return {0, v} end
local r = adjust(KEYS[2], KEYS[3], KEYS[4], ARGV[4], now,
  tonumber(ARGV[5]), ARGV[6], tonumber(ARGV[7]), ARGV[8], ARGV[9])
if r[1] ~= 1 then return {2, r[1], r[2]} end
redis.call('HSET', KEYS[1], 'doc', ARGV[2], 'version', v)
return {1, v}
`)
