package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// scriptTimeout bounds evaluation of a .js descriptor file.
const scriptTimeout = 5 * time.Second

// readSource reads a descriptor file into a generic tree according to its
// extension. Keys keep their original case.
func readSource(path string) (map[string]any, error) {
	// #nosec G304 -- reading the operator-supplied descriptor file
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var raw any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".js", ".cjs":
		raw, err = evalModule(path, data)
	case ".json":
		raw, err = decodeJSON(data)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported descriptor format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case []any:
		// a bare list of apps
		return map[string]any{"apps": v}, nil
	case nil:
		return nil, fmt.Errorf("parse %s: empty document", path)
	default:
		return nil, fmt.Errorf("parse %s: top level must be an object, got %T", path, raw)
	}
}

// evalModule runs a CommonJS ecosystem file and returns module.exports.
// require is unavailable; process.env exposes the supervisor environment.
func evalModule(path string, src []byte) (any, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	envObj := vm.NewObject()
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			_ = envObj.Set(kv[:i], kv[i+1:])
		}
	}
	proc := vm.NewObject()
	_ = proc.Set("env", envObj)

	abs, _ := filepath.Abs(path)
	globals := map[string]any{
		"module":     module,
		"exports":    exports,
		"process":    proc,
		"__filename": abs,
		"__dirname":  filepath.Dir(abs),
		"require": func(call goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("require(%s) is not available in descriptor files", call.Argument(0).String()))
		},
	}
	for k, v := range globals {
		if err := vm.Set(k, v); err != nil {
			return nil, err
		}
	}

	timer := time.AfterFunc(scriptTimeout, func() { vm.Interrupt("descriptor evaluation timed out") })
	defer timer.Stop()

	if _, err := vm.RunScript(path, string(src)); err != nil {
		return nil, err
	}
	out := module.Get("exports")
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, errors.New("module.exports is empty")
	}
	return out.Export(), nil
}

// decodeJSON decodes data keeping numbers as json.Number and rejects
// objects that repeat a key.
func decodeJSON(data []byte) (any, error) {
	if err := checkJSONDuplicates(data); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func checkJSONDuplicates(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := walkJSON(dec, "$"); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func walkJSON(dec *json.Decoder, path string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch d {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return err
			}
			k, _ := kt.(string)
			if _, dup := seen[k]; dup {
				return fmt.Errorf("duplicate key %q in %s", k, path)
			}
			seen[k] = struct{}{}
			if err := walkJSON(dec, path+"."+k); err != nil {
				return err
			}
		}
	case '[':
		for i := 0; dec.More(); i++ {
			if err := walkJSON(dec, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	// closing delimiter
	_, err = dec.Token()
	return err
}
