package buffer

import "github.com/redis/go-redis/v9"

// Every multi-step contract below runs as a single Lua script so it is
// atomic with respect to any other caller touching the same key (spec
// §4.A, §9 "Atomicity").

var appendScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// requeueFrontScript expects ARGV already reversed by the caller so the
// resulting head-to-tail order matches the caller's original slice order.
var requeueFrontScript = redis.NewScript(`
if #ARGV > 0 then
  redis.call('LPUSH', KEYS[1], unpack(ARGV))
end
return 1
`)

var appendAndRequestJobScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
local ok = redis.call('SET', KEYS[2], ARGV[2], 'NX', 'EX', ARGV[3])
if ok then
  return ARGV[2]
end
return false
`)

var drainScript = redis.NewScript(`
local msgs = redis.call('LRANGE', KEYS[1], 0, -1)
if #msgs > 0 then
  redis.call('DEL', KEYS[1])
end
return msgs
`)

var claimGateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
  return 1
elseif cur == ARGV[1] then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var refreshGateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var tryReleaseGateScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n > 0 then
  return 0
end
local cur = redis.call('GET', KEYS[2])
if cur == false then
  return 1
elseif cur == ARGV[1] then
  redis.call('DEL', KEYS[2])
  return 1
end
return 0
`)

var releaseGateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
