package nodes

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/pool"
	"github.com/kasmira-labs/chatflow/workflow"
)

// codeTimeout bounds how long a Code node's script may run before its goja
// runtime is interrupted (§4.4.10).
const codeTimeout = 5 * time.Second

// NewCode builds the Code handler (§4.4.10): runs config["code"] as the
// body of a JS function in a goja sandbox, narrowed to a fixed intrinsic
// set (length/concat/substring/lower/upper/json_parse/json_stringify) with
// no require, no network access, and no arbitrary host-function binding.
func NewCode() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		code, _ := n.Config["code"].(string)
		if code == "" {
			return node.Result{}, apperr.New(apperr.ValidationFailed, "code: config.code must be non-empty").WithNode(n.ID)
		}

		vm := goja.New()
		if err := registerCodeIntrinsics(vm); err != nil {
			return node.Result{}, apperr.Wrap(apperr.ValidationFailed, "code: setup runtime", err).WithNode(n.ID)
		}
		for name, v := range in {
			if err := vm.Set(name, toJSValue(v)); err != nil {
				return node.Result{}, apperr.Wrap(apperr.ValidationFailed, "code: bind input "+name, err).WithNode(n.ID)
			}
		}

		timer := time.AfterFunc(codeTimeout, func() {
			vm.Interrupt("code: execution timed out")
		})
		defer timer.Stop()

		val, err := vm.RunString("(function(){" + code + "})()")
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.ValidationFailed, "code: script error", err).WithNode(n.ID)
		}

		return node.Result{Outputs: map[string]pool.Value{
			"result": pool.FromAny(val.Export()),
		}}, nil
	})
}

// registerCodeIntrinsics binds the narrow helper set a Code node's script
// may call: string length/concat/substring/case-folding and JSON
// parse/stringify. No require, no httpGet/httpPost, no getVar — only what
// §4.4.10 names.
func registerCodeIntrinsics(vm *goja.Runtime) error {
	helpers := map[string]func(goja.FunctionCall) goja.Value{
		"length": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(len(argString(call, 0)))
		},
		"concat": func(call goja.FunctionCall) goja.Value {
			var b strings.Builder
			for _, a := range call.Arguments {
				b.WriteString(a.String())
			}
			return vm.ToValue(b.String())
		},
		"substring": func(call goja.FunctionCall) goja.Value {
			s := argString(call, 0)
			start := argInt(call, 1, 0)
			end := argInt(call, 2, len(s))
			if start < 0 {
				start = 0
			}
			if end > len(s) {
				end = len(s)
			}
			if start > end {
				start = end
			}
			return vm.ToValue(s[start:end])
		},
		"lower": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.ToLower(argString(call, 0)))
		},
		"upper": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(strings.ToUpper(argString(call, 0)))
		},
		"json_parse": func(call goja.FunctionCall) goja.Value {
			var parsed interface{}
			if err := json.Unmarshal([]byte(argString(call, 0)), &parsed); err != nil {
				panic(vm.ToValue("json_parse: " + err.Error()))
			}
			return vm.ToValue(parsed)
		},
		"json_stringify": func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				return vm.ToValue("")
			}
			data, err := json.Marshal(call.Arguments[0].Export())
			if err != nil {
				panic(vm.ToValue("json_stringify: " + err.Error()))
			}
			return vm.ToValue(string(data))
		},
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func argString(call goja.FunctionCall, i int) string {
	if i >= len(call.Arguments) {
		return ""
	}
	return call.Arguments[i].String()
}

func argInt(call goja.FunctionCall, i int, def int) int {
	if i >= len(call.Arguments) {
		return def
	}
	return int(call.Arguments[i].ToInteger())
}

// toJSValue converts a pool.Value into the plain Go shape goja.Runtime.ToValue
// understands natively (nested maps/slices of the same), so handler inputs
// appear to a Code node's script as ordinary JS values.
func toJSValue(v pool.Value) interface{} {
	switch v.Kind() {
	case pool.KindString:
		s, _ := v.AsString()
		return s
	case pool.KindNumber:
		n, _ := v.AsNumber()
		return n
	case pool.KindBool:
		b, _ := v.AsBool()
		return b
	case pool.KindList:
		items, _ := v.AsList()
		out := make([]interface{}, len(items))
		for i, it := range items {
			out[i] = toJSValue(it)
		}
		return out
	case pool.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]interface{}, len(m))
		for k, it := range m {
			out[k] = toJSValue(it)
		}
		return out
	default:
		return nil
	}
}

// CodeSchema declares Code's single output port. Its inputs are whatever
// variable_mappings the graph configures rather than a fixed schema — the
// validator honors workflow.Node.Ports when present in preference to this
// function's empty Inputs.
func CodeSchema(n workflow.Node) workflow.Ports {
	return workflow.Ports{
		Outputs: []workflow.Port{{Name: "result", Type: workflow.PortAny, Required: true}},
	}
}
