// Package scripting runs JavaScript event handlers on embedded goja VMs.
//
// A script is a CommonJS-style module that exports a handle function:
//
//	exports.handle = function (event, ctx) {
//	  if (event.data.amount > ctx.config.threshold) {
//	    ctx.emit("BUSINESS_EVENT", "ACCOUNTING", { invoiceId: event.source.entityId });
//	  }
//	};
//
// Throwing from handle marks the invocation failed and sends the event down the
// bus retry path.
package scripting

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// HandleExport is the function every script must export.
const HandleExport = "handle"

// ErrFunctionMissing is returned when a script does not export a callable handle.
var ErrFunctionMissing = errors.New("script handle function missing")

// Module is a compiled script file.
type Module struct {
	Path    string
	Hash    string
	Size    int64
	Program *goja.Program
}

// Compile reads and compiles the script at path, checking that it exports handle.
func Compile(path string) (*Module, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	source, err := os.ReadFile(clean) // #nosec G304 -- manifest paths are operator controlled.
	if err != nil {
		return nil, fmt.Errorf("script %q: read: %w", clean, err)
	}
	prog, err := goja.Compile(clean, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("script %q: compile: %w", clean, err)
	}
	sum := sha256.Sum256(source)
	module := &Module{
		Path:    clean,
		Hash:    hex.EncodeToString(sum[:]),
		Size:    int64(len(source)),
		Program: prog,
	}

	// Dry run on a throwaway VM so bad exports fail at load time.
	rt := goja.New()
	exports, err := runModule(rt, prog, nil, "")
	if err != nil {
		return nil, fmt.Errorf("script %q: %w", clean, err)
	}
	if _, ok := goja.AssertFunction(exports.Get(HandleExport)); !ok {
		return nil, fmt.Errorf("script %q: %w", clean, ErrFunctionMissing)
	}
	return module, nil
}

func runModule(rt *goja.Runtime, program *goja.Program, logger *log.Logger, name string) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, logger, name)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime, logger *log.Logger, name string) *goja.Object {
	console := rt.NewObject()
	if logger == nil {
		noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
		_ = console.Set("log", noop)
		_ = console.Set("error", noop)
		_ = console.Set("warn", noop)
		_ = console.Set("info", noop)
		return console
	}
	emit := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			logger.Printf("[%s] %s: %s", level, name, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit("info"))
	_ = console.Set("info", emit("info"))
	_ = console.Set("warn", emit("warn"))
	_ = console.Set("error", emit("error"))
	return console
}
