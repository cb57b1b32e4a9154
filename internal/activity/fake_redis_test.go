package activity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// fakeRedis backs the Activity Index's three scripts with an in-process
// sorted set, keeping unit tests runnable without a live Redis server.
type fakeRedis struct {
	mu      sync.Mutex
	scores  map[string]float64
	members map[string]bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{scores: make(map[string]float64), members: make(map[string]bool)}
}

func (f *fakeRedis) dispatch(sha string, argv []string) interface{} {
	switch sha {
	case recordActivityScript.Hash():
		member, score := argv[0], argv[1]
		var s float64
		fmt.Sscanf(score, "%f", &s)
		f.scores[member] = s
		f.members[member] = true
		return int64(1)
	case fetchExpiredScript.Hash():
		var cutoff float64
		fmt.Sscanf(argv[0], "%f", &cutoff)
		var out []string
		for m := range f.members {
			if f.scores[m] <= cutoff {
				out = append(out, m)
			}
		}
		sort.Strings(out)
		// go-redis decodes a Lua array reply as []interface{}.
		res := make([]interface{}, len(out))
		for i, m := range out {
			res[i] = m
		}
		return res
	case removeActivityScript.Hash():
		member := argv[0]
		delete(f.scores, member)
		delete(f.members, member)
		return int64(1)
	default:
		return nil
	}
}

func toStrings(args []interface{}) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out[i] = v
		case []byte:
			out[i] = string(v)
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

func (f *fakeRedis) run(ctx context.Context, sha string, _ []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	cmd.SetVal(f.dispatch(sha, toStrings(args)))
	return cmd
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, sha1, keys, args...)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha1, keys, args...)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	out := make([]bool, len(hashes))
	for i := range hashes {
		out[i] = true
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("")
	return cmd
}

var _ redis.Scripter = (*fakeRedis)(nil)
