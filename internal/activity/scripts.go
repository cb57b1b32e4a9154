package activity

import "github.com/redis/go-redis/v9"

// recordActivityScript adds or updates a member's score in the index.
var recordActivityScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// fetchExpiredScript returns every member scored at or below the cutoff,
// malformed ones included; the caller (Store.FetchExpired) decodes each
// member and removes any that is not a well-formed "bot:group:session"
// triple of safe segments.
var fetchExpiredScript = redis.NewScript(`
return redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
`)

var removeActivityScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)
