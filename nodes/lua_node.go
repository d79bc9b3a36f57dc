package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Shopify/go-lua"

	"github.com/forechoandlook/stepflow"
)

// luaHandler runs config.script in a sandboxed go-lua state. The script
// sees the previous output as `input` and the whole context as `ctx`; its
// return value becomes the output.
type luaHandler struct {
	statePool chan *lua.State
}

const (
	luaStatePoolSize   = 8
	luaGlobalTableName = "_G"
	luaPrelude         = "local input, ctx = ...\n"
)

var (
	ErrLuaLoad      = errors.New("lua load error")
	ErrLuaExecution = errors.New("lua execution error")
)

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

func newLuaHandler() *luaHandler {
	return &luaHandler{
		statePool: make(chan *lua.State, luaStatePoolSize),
	}
}

func (h *luaHandler) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	script, err := call.Config.RequireString("script")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	L := h.getState()
	defer h.returnState(L)

	setupSandbox(L)
	if err := lua.LoadString(L, luaPrelude+script); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaLoad, err)
	}
	goToLua(L, call.Vars.PreviousOutput())
	goToLua(L, map[string]any(call.Vars))

	if err := L.ProtectedCall(2, 1, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLuaExecution, err)
	}
	value := luaToGo(L, -1)
	L.Pop(1)
	return stepflow.ResultWithOutput(value), nil
}

func setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(-2, name)
	}
	L.Pop(1)
}

func (h *luaHandler) getState() *lua.State {
	select {
	case L := <-h.statePool:
		return L
	default:
		return lua.NewState()
	}
}

func (h *luaHandler) returnState(L *lua.State) {
	L.SetTop(0)
	select {
	case h.statePool <- L:
	default:
	}
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case float64:
		L.PushNumber(v)
	case []any:
		L.CreateTable(len(v), 0)
		for i, item := range v {
			goToLua(L, item)
			L.RawSetInt(-2, i+1)
		}
	case map[string]any:
		L.CreateTable(0, len(v))
		for k, item := range v {
			goToLua(L, item)
			L.SetField(-2, k)
		}
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprint(v))
	}
}

// luaToGo converts the value at index. Numbers come back as float64 so the
// output is already in context form.
func luaToGo(L *lua.State, index int) any {
	switch L.TypeOf(index) {
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		n, _ := L.ToNumber(index)
		return n
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		return luaTableToAny(L, L.AbsIndex(index))
	default:
		return nil
	}
}

// luaTableToAny returns a []any for sequences 1..n and a map otherwise.
// Keys are inspected by type so Next never sees a converted key.
func luaTableToAny(L *lua.State, table int) any {
	entries := map[string]any{}
	var ints []int

	L.PushNil()
	for L.Next(table) {
		switch L.TypeOf(-2) {
		case lua.TypeString:
			k, _ := L.ToString(-2)
			entries[k] = luaToGo(L, -1)
		case lua.TypeNumber:
			n, _ := L.ToNumber(-2)
			key := fmt.Sprint(n)
			if n == float64(int(n)) {
				ints = append(ints, int(n))
				key = fmt.Sprint(int(n))
			}
			entries[key] = luaToGo(L, -1)
		}
		L.Pop(1)
	}

	if len(entries) == 0 || len(ints) != len(entries) {
		return entries
	}
	sort.Ints(ints)
	for i, n := range ints {
		if n != i+1 {
			return entries
		}
	}
	arr := make([]any, len(ints))
	for i := range arr {
		arr[i] = entries[fmt.Sprint(i+1)]
	}
	return arr
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "lua",
		Description: "Runs a sandboxed Lua script; `input` is the previous output, `ctx` the flow context, and the return value the output.",
		Example:     `{"type": "lua", "config": {"script": "return string.upper(input)"}}`,
	})
}
