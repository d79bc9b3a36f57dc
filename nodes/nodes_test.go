package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/kv"
)

func vars(t *testing.T, m map[string]any) stepflow.Vars {
	t.Helper()
	v, err := stepflow.NewVars(m)
	if err != nil {
		t.Fatalf("NewVars failed: %v", err)
	}
	return v
}

func TestRegistryListsBuiltins(t *testing.T) {
	reg := NewRegistry()
	for _, typ := range []string{
		"llm", "model-call", "transform", "lua", "http", "kv-read",
		"kv-write", "set", "delay", "function", "log",
	} {
		if !reg.Supports(typ) {
			t.Fatalf("Expected %s to be supported", typ)
		}
		if _, ok := NodeDefinitionFor(typ); !ok {
			t.Fatalf("Expected catalog entry for %s", typ)
		}
	}
	if reg.Supports("shell") {
		t.Fatalf("Unexpected node type shell")
	}

	defs := reg.Definitions()
	if len(defs) != len(reg.Types()) {
		t.Fatalf("Expected one definition per type, got %d", len(defs))
	}
	for i := 1; i < len(defs); i++ {
		if defs[i-1].ID > defs[i].ID {
			t.Fatalf("Definitions not sorted: %s before %s", defs[i-1].ID, defs[i].ID)
		}
	}
}

func TestRegistryUnknownType(t *testing.T) {
	_, err := NewRegistry().Execute(context.Background(), "nope", nil, vars(t, nil), nil)
	if !errors.Is(err, stepflow.ErrMalformedRequest) {
		t.Fatalf("Expected ErrMalformedRequest, got %v", err)
	}
}

func TestRequiresCredentials(t *testing.T) {
	reg := NewRegistry()
	if !reg.RequiresCredentials("llm", nil) || !reg.RequiresCredentials("model-call", nil) {
		t.Fatalf("LLM nodes must require credentials")
	}
	if reg.RequiresCredentials("set", nil) || reg.RequiresCredentials("nope", nil) {
		t.Fatalf("Only LLM nodes require credentials")
	}
}

func TestSetNode(t *testing.T) {
	res, err := NewRegistry().Execute(context.Background(), "set", map[string]any{
		"value":  "draft",
		"values": map[string]any{"lang": "fr"},
	}, vars(t, nil), nil)
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if stepflow.OutputFromResult(res) != "draft" {
		t.Fatalf("Expected output 'draft', got %v", res)
	}
	if res["lang"] != "fr" {
		t.Fatalf("Expected named output lang=fr, got %v", res)
	}
}

func TestTransformFormats(t *testing.T) {
	reg := NewRegistry()
	v := vars(t, map[string]any{"name": "Ada", stepflow.PreviousOutputKey: "draft"})

	cases := []struct {
		format   string
		template string
		want     string
	}{
		{"", "Hello {{.name}}: {{.previousOutput}}", "Hello Ada: draft"},
		{"f-string", "Hello {name}", "Hello Ada"},
		{"jinja2", "Hello {{ name }}", "Hello Ada"},
	}
	for _, tc := range cases {
		cfg := map[string]any{"template": tc.template}
		if tc.format != "" {
			cfg["format"] = tc.format
		}
		res, err := reg.Execute(context.Background(), "transform", cfg, v, nil)
		if err != nil {
			t.Fatalf("%q transform failed: %v", tc.format, err)
		}
		if got := stepflow.OutputFromResult(res); got != tc.want {
			t.Fatalf("%q: expected %q, got %v", tc.format, tc.want, got)
		}
	}

	_, err := reg.Execute(context.Background(), "transform", map[string]any{
		"template": "x", "format": "mustache",
	}, v, nil)
	if !errors.Is(err, stepflow.ErrMalformedRequest) {
		t.Fatalf("Expected ErrMalformedRequest for unknown format, got %v", err)
	}

	_, err = reg.Execute(context.Background(), "transform", map[string]any{}, v, nil)
	if !errors.Is(err, stepflow.ErrMalformedRequest) {
		t.Fatalf("Expected ErrMalformedRequest for missing template, got %v", err)
	}
}

func TestTransformParseJSON(t *testing.T) {
	res, err := NewRegistry().Execute(context.Background(), "transform", map[string]any{
		"template":  `{"name": "{{.name}}", "n": 2}`,
		"parseJson": true,
	}, vars(t, map[string]any{"name": "Ada"}), nil)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	out, ok := stepflow.OutputFromResult(res).(map[string]any)
	if !ok || out["name"] != "Ada" || out["n"] != float64(2) {
		t.Fatalf("Unexpected output %v", res)
	}
}

func TestLuaNode(t *testing.T) {
	reg := NewRegistry()
	v := vars(t, map[string]any{
		stepflow.PreviousOutputKey: "hello",
		"count":                    2,
	})

	res, err := reg.Execute(context.Background(), "lua", map[string]any{
		"script": "return string.upper(input) .. ctx.count",
	}, v, nil)
	if err != nil {
		t.Fatalf("lua failed: %v", err)
	}
	if got := stepflow.OutputFromResult(res); got != "HELLO2" {
		t.Fatalf("Expected HELLO2, got %v", got)
	}

	res, err = reg.Execute(context.Background(), "lua", map[string]any{
		"script": `return {items = {1, 2, 3}, ok = true, name = "x"}`,
	}, v, nil)
	if err != nil {
		t.Fatalf("lua table failed: %v", err)
	}
	out, ok := stepflow.OutputFromResult(res).(map[string]any)
	if !ok {
		t.Fatalf("Expected map output, got %T", stepflow.OutputFromResult(res))
	}
	items, ok := out["items"].([]any)
	if !ok || len(items) != 3 || items[0] != float64(1) || items[2] != float64(3) {
		t.Fatalf("Unexpected items %v", out["items"])
	}
	if out["ok"] != true || out["name"] != "x" {
		t.Fatalf("Unexpected output %v", out)
	}
}

func TestLuaSandbox(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Execute(context.Background(), "lua", map[string]any{
		"script": `return os.getenv("HOME")`,
	}, vars(t, nil), nil)
	if !errors.Is(err, ErrLuaExecution) {
		t.Fatalf("Expected ErrLuaExecution, got %v", err)
	}

	_, err = reg.Execute(context.Background(), "lua", map[string]any{
		"script": `return (`,
	}, vars(t, nil), nil)
	if !errors.Is(err, ErrLuaLoad) {
		t.Fatalf("Expected ErrLuaLoad, got %v", err)
	}
}

func TestHTTPNode(t *testing.T) {
	var gotBody map[string]any
	var gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items/42" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.Query().Get("lang")
		gotHeader = r.Header.Get("X-Doc")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "stored", "id": 42}`))
	}))
	defer srv.Close()

	reg := NewRegistry(WithHTTPClient(srv.Client()))
	res, err := reg.Execute(context.Background(), "http", map[string]any{
		"url":     srv.URL + "/items/{{.itemId}}",
		"method":  "post",
		"query":   map[string]any{"lang": "{{.lang}}"},
		"headers": map[string]any{"X-Doc": "doc-{{.itemId}}"},
		"body":    map[string]any{"text": "hello"},
		"outputs": map[string]any{"storedId": "id"},
	}, vars(t, map[string]any{"itemId": "42", "lang": "fr"}), nil)
	if err != nil {
		t.Fatalf("http failed: %v", err)
	}

	out, ok := stepflow.OutputFromResult(res).(map[string]any)
	if !ok || out["status"] != "stored" {
		t.Fatalf("Unexpected output %v", res)
	}
	if res["storedId"] != float64(42) {
		t.Fatalf("Expected named output storedId=42, got %v", res["storedId"])
	}
	if gotQuery != "fr" || gotHeader != "doc-42" || gotBody["text"] != "hello" {
		t.Fatalf("Unexpected request: query=%q header=%q body=%v", gotQuery, gotHeader, gotBody)
	}
}

func TestHTTPNodeStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	reg := NewRegistry(WithHTTPClient(srv.Client()))
	_, err := reg.Execute(context.Background(), "http", map[string]any{
		"url": srv.URL,
	}, vars(t, nil), nil)
	if err == nil || !strings.Contains(err.Error(), "418") {
		t.Fatalf("Expected status error, got %v", err)
	}

	res, err := reg.Execute(context.Background(), "http", map[string]any{
		"url":          srv.URL,
		"failOnStatus": false,
	}, vars(t, nil), nil)
	if err != nil {
		t.Fatalf("Expected success with failOnStatus=false, got %v", err)
	}
	if stepflow.OutputFromResult(res) != "nope" {
		t.Fatalf("Expected raw body, got %v", res)
	}
}

func TestKVNodes(t *testing.T) {
	store := kv.NewMemoryStore()
	reg := NewRegistry(WithStore(store))
	v := vars(t, map[string]any{
		"docId":                    "7",
		stepflow.PreviousOutputKey: map[string]any{"title": "T"},
	})

	if _, err := reg.Execute(context.Background(), "kv-write", map[string]any{
		"key": "draft/{{.docId}}",
	}, v, nil); err != nil {
		t.Fatalf("kv-write failed: %v", err)
	}

	res, err := reg.Execute(context.Background(), "kv-read", map[string]any{
		"key": "draft/{{.docId}}",
	}, vars(t, map[string]any{"docId": "7"}), nil)
	if err != nil {
		t.Fatalf("kv-read failed: %v", err)
	}
	out, ok := stepflow.OutputFromResult(res).(map[string]any)
	if !ok || out["title"] != "T" {
		t.Fatalf("Unexpected read %v", res)
	}

	_, err = reg.Execute(context.Background(), "kv-read", map[string]any{
		"key": "missing",
	}, v, nil)
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	res, err = reg.Execute(context.Background(), "kv-read", map[string]any{
		"key": "missing", "default": "fallback",
	}, v, nil)
	if err != nil || stepflow.OutputFromResult(res) != "fallback" {
		t.Fatalf("Expected default, got %v (%v)", res, err)
	}

	_, err = NewRegistry().Execute(context.Background(), "kv-read", map[string]any{
		"key": "x",
	}, v, nil)
	if err == nil {
		t.Fatalf("Expected error without a store")
	}
}

func TestDelayNode(t *testing.T) {
	reg := NewRegistry()
	v := vars(t, map[string]any{stepflow.PreviousOutputKey: "kept"})

	res, err := reg.Execute(context.Background(), "delay", map[string]any{
		"duration": 5,
	}, v, nil)
	if err != nil || stepflow.OutputFromResult(res) != "kept" {
		t.Fatalf("Expected pass-through, got %v (%v)", res, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = reg.Execute(ctx, "delay", map[string]any{"duration": "1h"}, v, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestFunctionNodeWithRetries(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	reg.RegisterFunction("flaky", func(ctx context.Context, v stepflow.Vars) (stepflow.NodeResult, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("not yet")
		}
		return stepflow.ResultWithOutput("third time"), nil
	})

	res, err := reg.Execute(context.Background(), "function", map[string]any{
		"name":       "flaky",
		"retries":    2,
		"retryDelay": "1ms",
	}, vars(t, nil), nil)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if stepflow.OutputFromResult(res) != "third time" || calls.Load() != 3 {
		t.Fatalf("Unexpected result %v after %d calls", res, calls.Load())
	}

	calls.Store(0)
	_, err = reg.Execute(context.Background(), "function", map[string]any{
		"name": "flaky", "retries": 1,
	}, vars(t, nil), nil)
	if err == nil || calls.Load() != 2 {
		t.Fatalf("Expected failure after 2 calls, got %v after %d", err, calls.Load())
	}

	_, err = reg.Execute(context.Background(), "function", map[string]any{
		"name": "missing",
	}, vars(t, nil), nil)
	if err == nil {
		t.Fatalf("Expected error for unregistered function")
	}
}

func TestTimeoutAttribute(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunction("slow", func(ctx context.Context, v stepflow.Vars) (stepflow.NodeResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return stepflow.ResultWithOutput("late"), nil
		}
	})

	_, err := reg.Execute(context.Background(), "function", map[string]any{
		"name": "slow", "timeout": "10ms",
	}, vars(t, nil), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestBadAttributes(t *testing.T) {
	reg := NewRegistry()
	for _, cfg := range []map[string]any{
		{"timeout": "soon"},
		{"retries": -1},
		{"retries": 1.5},
		{"outputs": map[string]any{"x": 3}},
		{"outputs": map[string]any{"bad key": "a"}},
	} {
		_, err := reg.Execute(context.Background(), "set", cfg, vars(t, nil), nil)
		if !errors.Is(err, stepflow.ErrMalformedRequest) {
			t.Fatalf("Expected ErrMalformedRequest for %v, got %v", cfg, err)
		}
	}
}

func TestLLMNode(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "test-model",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "  Bonjour  "},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	creds := &stepflow.Credentials{
		APIKey:  "k-1",
		BaseURL: srv.URL + "/v1",
		Model:   "test-model",
	}
	res, err := reg.Execute(context.Background(), "model-call", map[string]any{
		"prompt": "Translate: {{.previousOutput}}",
		"system": "You translate.",
	}, vars(t, map[string]any{stepflow.PreviousOutputKey: "hello"}), creds)
	if err != nil {
		t.Fatalf("llm failed: %v", err)
	}
	if stepflow.OutputFromResult(res) != "Bonjour" {
		t.Fatalf("Expected trimmed content, got %v", res)
	}
	if auth != "Bearer k-1" || got.Model != "test-model" {
		t.Fatalf("Unexpected request auth=%q model=%q", auth, got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "Translate: hello" {
		t.Fatalf("Unexpected messages %+v", got.Messages)
	}

	_, err = reg.Execute(context.Background(), "llm", nil, vars(t, nil), nil)
	if !errors.Is(err, stepflow.ErrCredentialMissing) {
		t.Fatalf("Expected ErrCredentialMissing, got %v", err)
	}
}

func TestLogNode(t *testing.T) {
	res, err := NewRegistry().Execute(context.Background(), "log", map[string]any{
		"message": "doc {{.docId}}",
		"keys":    []any{"docId"},
		"level":   "debug",
	}, vars(t, map[string]any{"docId": "7", stepflow.PreviousOutputKey: "x"}), nil)
	if err != nil || stepflow.OutputFromResult(res) != "x" {
		t.Fatalf("Expected pass-through, got %v (%v)", res, err)
	}

	_, err = NewRegistry().Execute(context.Background(), "log", map[string]any{
		"level": "loud",
	}, vars(t, nil), nil)
	if !errors.Is(err, stepflow.ErrMalformedRequest) {
		t.Fatalf("Expected ErrMalformedRequest, got %v", err)
	}
}

func TestShellNode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	reg := NewRegistry(WithShell(true))
	ctx := context.Background()

	res, err := reg.Execute(ctx, "shell", map[string]any{
		"command":   "cat",
		"input":     "doc",
		"parseJson": true,
	}, vars(t, map[string]any{"doc": map[string]any{"a": 1}}), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	doc, ok := stepflow.OutputFromResult(res).(map[string]any)
	if !ok || doc["a"] != float64(1) {
		t.Fatalf("Unexpected output: %#v", res)
	}

	script := map[string]any{
		"command": "sh",
		"args":    []any{"-c", "echo {{.name}}; exit 3"},
	}
	_, err = reg.Execute(ctx, "shell", script, vars(t, map[string]any{"name": "bob"}), nil)
	if err == nil {
		t.Fatalf("Expected exit status error")
	}

	script["allowFailure"] = true
	res, err = reg.Execute(ctx, "shell", script, vars(t, map[string]any{"name": "bob"}), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out := stepflow.OutputFromResult(res); out != "bob" {
		t.Fatalf("Expected bob, got %v", out)
	}
	if res["exitCode"] != 3 {
		t.Fatalf("Expected exit code 3, got %v", res["exitCode"])
	}
}
