package natives

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"taskhost/internal/aiworker"
	"taskhost/internal/scope"
	"taskhost/internal/storage"
	"taskhost/internal/task/script"
	"taskhost/internal/transport"
	"taskhost/pkg/logx"
)

type fakeNotifier struct {
	got []transport.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n transport.Notification) ([]transport.MessageRef, error) {
	f.got = append(f.got, n)
	return []transport.MessageRef{{ChatID: n.Target.ChatID, MessageID: len(f.got)}}, nil
}

func newTestScope(t *testing.T) *scope.Scope {
	t.Helper()
	sc := scope.New()
	scope.Insert(sc, logx.Nop())
	scope.Insert(sc, NewHTTPClient(HTTPConfig{}))

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "kv.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	scope.Insert(sc, st)
	scope.Insert[transport.Notifier](sc, &fakeNotifier{})
	scope.Insert[aiworker.Worker](sc, aiworker.WorkerFunc(func(_ context.Context, msgs []aiworker.Message) (aiworker.Message, error) {
		return aiworker.NewMessage("assistant", "echo: "+msgs[len(msgs)-1].Content), nil
	}))
	return sc
}

func call(t *testing.T, sc *scope.Scope, fn script.Func, params any) any {
	t.Helper()
	out, err := fn(context.Background(), sc, params)
	if err != nil {
		t.Fatalf("native call: %v", err)
	}
	return out
}

func TestEncodingFunctions(t *testing.T) {
	sc := scope.New()
	cases := []struct {
		name string
		fn   script.Func
		in   map[string]any
		want any
	}{
		{"base64", Base64Encode, map[string]any{"data": "hello"}, "aGVsbG8="},
		{"base64 url", Base64Encode, map[string]any{"data": "\xfb\xff", "url": true}, "-_8="},
		{"base64 decode", Base64Decode, map[string]any{"data": "aGVsbG8="}, "hello"},
		{"hex", HexEncode, map[string]any{"data": "hi"}, "6869"},
		{"hex decode", HexDecode, map[string]any{"data": "6869"}, "hi"},
		{"url escape", URLEscape, map[string]any{"data": "a b&c"}, "a+b%26c"},
		{"url unescape", URLUnescape, map[string]any{"data": "a+b%26c"}, "a b&c"},
		{"sha256", SHA256, map[string]any{"data": "abc"}, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"json encode", JSONEncode, map[string]any{"value": map[string]any{"b": 1.0, "a": "<x>"}}, `{"a":"<x>","b":1}`},
		{"json decode", JSONDecode, map[string]any{"data": `{"xs":[1,null]}`}, map[string]any{"xs": []any{1.0, nil}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, call(t, sc, tc.fn, tc.in)); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestArgumentErrors(t *testing.T) {
	sc := scope.New()
	if _, err := Base64Encode(context.Background(), sc, "plain string"); !errors.Is(err, errNotTable) {
		t.Fatalf("expected errNotTable, got %v", err)
	}
	if _, err := HexEncode(context.Background(), sc, map[string]any{}); err == nil || !strings.Contains(err.Error(), "data is required") {
		t.Fatalf("expected missing data error, got %v", err)
	}
	if _, err := HexDecode(context.Background(), sc, map[string]any{"data": "zz"}); err == nil {
		t.Fatalf("expected invalid hex error")
	}
	if _, err := Base64Encode(context.Background(), sc, map[string]any{"data": 1.0}); err == nil {
		t.Fatalf("expected type error")
	}
}

func TestMissingCapability(t *testing.T) {
	_, err := StoreGet(context.Background(), scope.New(), map[string]any{"key": "a"})
	if !errors.Is(err, scope.ErrNotFound) {
		t.Fatalf("expected scope.ErrNotFound, got %v", err)
	}
}

func TestStoreFunctions(t *testing.T) {
	sc := newTestScope(t)

	got := call(t, sc, StoreGet, map[string]any{"key": "job.count"})
	if diff := cmp.Diff(map[string]any{"found": false}, got); diff != "" {
		t.Fatalf("missing key (-want +got):\n%s", diff)
	}

	call(t, sc, StorePut, map[string]any{"key": "job.count", "value": map[string]any{"n": 3.0}})
	got = call(t, sc, StoreGet, map[string]any{"key": "job.count"})
	want := map[string]any{"found": true, "value": map[string]any{"n": 3.0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("stored value (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"job.count"}, call(t, sc, StoreKeys, map[string]any{"prefix": "job."})); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"deleted": true}, call(t, sc, StoreDelete, map[string]any{"key": "job.count"})); diff != "" {
		t.Fatalf("delete (-want +got):\n%s", diff)
	}
	if _, err := StorePut(context.Background(), sc, map[string]any{"key": "", "value": 1.0}); !errors.Is(err, storage.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestNotify(t *testing.T) {
	sc := newTestScope(t)
	out := call(t, sc, Notify, map[string]any{"text": "disk 91%", "chat_id": -42.0, "silent": true})

	nt := scope.MustGet[transport.Notifier](sc).(*fakeNotifier)
	if len(nt.got) != 1 {
		t.Fatalf("notifications=%d", len(nt.got))
	}
	n := nt.got[0]
	if n.Text != "disk 91%" || n.Target.ChatID != -42 || !n.Options.Silent {
		t.Fatalf("notification=%+v", n)
	}
	if out.(map[string]any)["sent"] != 1 {
		t.Fatalf("out=%+v", out)
	}
	if _, err := Notify(context.Background(), sc, map[string]any{"chat_id": 1.5, "text": "x"}); err == nil {
		t.Fatalf("expected integer error for chat_id")
	}
}

func TestLLMEval(t *testing.T) {
	sc := newTestScope(t)

	out := call(t, sc, LLMEval, map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": "ping"},
	}})
	if diff := cmp.Diff(aiworker.Message{Role: "assistant", Content: "echo: ping"}, out); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}

	cases := []struct {
		params any
		want   string
	}{
		{map[string]any{}, "Message parameter not found"},
		{map[string]any{"messages": "hi"}, "Messages were not in correct format."},
		{map[string]any{"messages": []any{map[string]any{"role": "robot", "content": "x"}}}, "Messages were not in correct format."},
	}
	for _, tc := range cases {
		if _, err := LLMEval(context.Background(), sc, tc.params); err == nil || err.Error() != tc.want {
			t.Fatalf("params %v: err=%v want %q", tc.params, err, tc.want)
		}
	}
}

func TestLLMFunctionCall(t *testing.T) {
	sc := scope.New()
	scope.Insert[aiworker.Worker](sc, aiworker.WorkerFunc(func(context.Context, []aiworker.Message) (aiworker.Message, error) {
		return aiworker.NewMessage("assistant", "```json\n{\"name\":\"noop\",\"arguments\":{}}\n```"), nil
	}))

	out := call(t, sc, LLMFunctionCall, map[string]any{
		"messages":  []any{map[string]any{"role": "user", "content": "let's chat"}},
		"functions": []any{map[string]any{"name": "noop", "description": "nothing"}},
	})
	fc, ok := out.(aiworker.FunctionCall)
	if !ok || fc.Name != "noop" {
		t.Fatalf("out=%#v", out)
	}

	if _, err := LLMFunctionCall(context.Background(), sc, map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "x"}},
	}); err == nil {
		t.Fatalf("expected missing functions error")
	}
}

func TestHTTPRequest(t *testing.T) {
	var gotBody, gotCT, gotUA, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotCT, gotUA, gotMethod = string(b), r.Header.Get("Content-Type"), r.Header.Get("User-Agent"), r.Method
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("X-Request-Id", "r1")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sc := scope.New()
	scope.Insert(sc, NewHTTPClient(HTTPConfig{UserAgent: "tests"}))

	out := call(t, sc, HTTPRequest, map[string]any{
		"method": "post",
		"url":    srv.URL + "/hook",
		"body":   map[string]any{"a": 1.0},
	})
	resp := out.(HTTPResponse)
	if resp.Status != http.StatusCreated || resp.Headers["x-request-id"] != "r1" {
		t.Fatalf("resp=%+v", resp)
	}
	if diff := cmp.Diff(map[string]any{"ok": true}, resp.JSON); diff != "" {
		t.Fatalf("json (-want +got):\n%s", diff)
	}
	if gotMethod != http.MethodPost || gotBody != `{"a":1}` || gotCT != "application/json" || gotUA != "tests" {
		t.Fatalf("server saw method=%q body=%q ct=%q ua=%q", gotMethod, gotBody, gotCT, gotUA)
	}
}

func TestHTTPRequestLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{MaxBodyBytes: 10, RatePerSec: 0.01, Burst: 1})
	ctx := context.Background()

	if _, err := c.Do(ctx, HTTPRequestSpec{URL: "file:///etc/passwd"}); err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Fatalf("expected scheme error, got %v", err)
	}
	if _, err := c.Do(ctx, HTTPRequestSpec{URL: srv.URL}); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	// The single token is spent; the next request cannot fit inside the deadline.
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := c.Do(tctx, HTTPRequestSpec{URL: srv.URL}); err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

type runtimeRegistrar struct{ r *script.Runtime }

func (x runtimeRegistrar) RegisterFunction(name string, fn script.Func) error {
	return x.r.RegisterFunc(name, fn)
}

func TestCatalogFromLua(t *testing.T) {
	sc := newTestScope(t)
	rt := script.New(script.Options{Scope: sc})
	defer rt.Close()

	if err := Register(runtimeRegistrar{rt}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got, want := len(rt.Natives()), len(Catalog()); got != want {
		t.Fatalf("natives=%d want %d", got, want)
	}

	ctx := context.Background()
	err := rt.Load(ctx, script.Source{Name: "catalog", Code: `
Check = {}
function Check.setup() end
function Check.execute(p)
  local b = base64_encode({data = p.text})
  local j = json_decode({data = '{"xs":[1,2],"n":null}'})
  store_put({key = "k", value = {count = 3}})
  local got = store_get({key = "k"})
  local bad = llm_eval({})
  log({level = "debug", message = "check ran"})
  return {
    b64 = b,
    back = base64_decode({data = b}),
    first = j.xs[1],
    isnull = (j.n == null),
    count = got.value.count,
    bad = bad.error.message,
    id_len = #uuid(),
  }
end
`})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := rt.Setup(ctx, "Check"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	got, err := rt.Execute(ctx, "Check", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := map[string]any{
		"b64":    "aGVsbG8=",
		"back":   "hello",
		"first":  1.0,
		"isnull": true,
		"count":  3.0,
		"bad":    "Message parameter not found",
		"id_len": 36.0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}
