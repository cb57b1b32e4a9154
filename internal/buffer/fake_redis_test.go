package buffer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis is a minimal redis.Scripter implementation backing the
// Buffer Store's own Lua contracts with equivalent Go logic operating on
// an in-process keyspace. It exists to keep unit tests for the exact
// atomicity contracts in spec §4.A runnable without a live Redis server.
type fakeRedis struct {
	mu       sync.Mutex
	strings  map[string]fakeString
	lists    map[string][]string
	handlers map[string]func(keys, argv []string) interface{}
}

type fakeString struct {
	val       string
	expiresAt time.Time
	hasTTL    bool
}

func newFakeRedis() *fakeRedis {
	f := &fakeRedis{
		strings: make(map[string]fakeString),
		lists:   make(map[string][]string),
	}
	f.handlers = map[string]func(keys, argv []string) interface{}{
		appendScript.Hash():             f.doAppend,
		requeueFrontScript.Hash():       f.doRequeueFront,
		appendAndRequestJobScript.Hash(): f.doAppendAndRequestJob,
		drainScript.Hash():              f.doDrain,
		claimGateScript.Hash():          f.doClaimGate,
		refreshGateScript.Hash():        f.doRefreshGate,
		tryReleaseGateScript.Hash():     f.doTryReleaseGate,
		releaseGateScript.Hash():        f.doReleaseGate,
	}
	return f
}

func (f *fakeRedis) getLive(key string) (string, bool) {
	v, ok := f.strings[key]
	if !ok {
		return "", false
	}
	if v.hasTTL && time.Now().After(v.expiresAt) {
		delete(f.strings, key)
		return "", false
	}
	return v.val, true
}

func (f *fakeRedis) doAppend(keys, argv []string) interface{} {
	f.lists[keys[0]] = append(f.lists[keys[0]], argv[0])
	return int64(1)
}

func (f *fakeRedis) doRequeueFront(keys, argv []string) interface{} {
	// argv arrives pre-reversed by the caller, matching LPUSH's semantics.
	existing := f.lists[keys[0]]
	head := make([]string, 0, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		head = append(head, argv[i])
	}
	f.lists[keys[0]] = append(head, existing...)
	return int64(1)
}

func (f *fakeRedis) doAppendAndRequestJob(keys, argv []string) interface{} {
	f.lists[keys[0]] = append(f.lists[keys[0]], argv[0])
	token, ttl := argv[1], argv[2]
	if _, ok := f.getLive(keys[1]); ok {
		return nil
	}
	secs, _ := strconv.Atoi(ttl)
	f.strings[keys[1]] = fakeString{val: token, expiresAt: time.Now().Add(time.Duration(secs) * time.Second), hasTTL: true}
	return token
}

func (f *fakeRedis) doDrain(keys, _ []string) interface{} {
	msgs := f.lists[keys[0]]
	if len(msgs) > 0 {
		delete(f.lists, keys[0])
	}
	out := make([]interface{}, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out
}

func (f *fakeRedis) doClaimGate(keys, argv []string) interface{} {
	token, ttl := argv[0], argv[1]
	secs, _ := strconv.Atoi(ttl)
	cur, ok := f.getLive(keys[0])
	if !ok {
		f.strings[keys[0]] = fakeString{val: token, expiresAt: time.Now().Add(time.Duration(secs) * time.Second), hasTTL: true}
		return int64(1)
	}
	if cur == token {
		s := f.strings[keys[0]]
		s.expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		f.strings[keys[0]] = s
		return int64(1)
	}
	return int64(0)
}

func (f *fakeRedis) doRefreshGate(keys, argv []string) interface{} {
	token, ttl := argv[0], argv[1]
	cur, ok := f.getLive(keys[0])
	if !ok || cur != token {
		return int64(0)
	}
	secs, _ := strconv.Atoi(ttl)
	s := f.strings[keys[0]]
	s.expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	f.strings[keys[0]] = s
	return int64(1)
}

func (f *fakeRedis) doTryReleaseGate(keys, argv []string) interface{} {
	if len(f.lists[keys[0]]) > 0 {
		return int64(0)
	}
	cur, ok := f.getLive(keys[1])
	if !ok {
		return int64(1)
	}
	if cur == argv[0] {
		delete(f.strings, keys[1])
		return int64(1)
	}
	return int64(0)
}

func (f *fakeRedis) doReleaseGate(keys, argv []string) interface{} {
	cur, ok := f.getLive(keys[0])
	if ok && cur == argv[0] {
		delete(f.strings, keys[0])
		return int64(1)
	}
	return int64(0)
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

func (f *fakeRedis) runBySha(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[sha]
	cmd := redis.NewCmd(ctx)
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	res := h(keys, toStrings(args))
	cmd.SetVal(res)
	return cmd
}

// Scripter interface — only Eval/EvalSha are exercised by redis.Script.Run.
func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.runByScriptSource(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.runBySha(ctx, sha1, keys, args...)
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
	for i, h := range hashes {
		_, ok := f.handlers[h]
		out[i] = ok
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("")
	return cmd
}

// runByScriptSource maps a script's source back to its sha so Eval
// fallback (after a simulated NOSCRIPT) still dispatches correctly.
func (f *fakeRedis) runByScriptSource(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	// All production scripts are always "loaded" in this fake, so Eval is
	// never actually reached — kept only to satisfy the interface.
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

var _ redis.Scripter = (*fakeRedis)(nil)
