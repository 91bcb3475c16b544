package scripting

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/dop251/goja"
)

// Instance is an isolated goja VM. goja runtimes are not goroutine safe, so every
// call runs on the instance goroutine.
type Instance struct {
	module *Module
	rt     *goja.Runtime
	export *goja.Object
	queue  chan *job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type job struct {
	fn     func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)
	result chan result

	mu   sync.Mutex
	done bool
}

type result struct {
	value goja.Value
	err   error
}

// NewInstance executes module on a fresh VM. name labels console output.
func NewInstance(module *Module, logger *log.Logger, name string) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("script instance: module required")
	}
	rt := goja.New()
	export, err := runModule(rt, module.Program, logger, name)
	if err != nil {
		return nil, fmt.Errorf("script instance: execute %s: %w", module.Path, err)
	}
	instance := &Instance{
		module: module,
		rt:     rt,
		export: export,
		queue:  make(chan *job),
	}
	instance.wg.Add(1)
	go instance.loop()
	return instance, nil
}

func (i *Instance) loop() {
	defer i.wg.Done()
	for j := range i.queue {
		i.rt.ClearInterrupt()
		val, err := run(i.rt, i.export, j.fn)
		j.mu.Lock()
		j.done = true
		j.mu.Unlock()
		j.result <- result{value: val, err: err}
	}
}

func run(rt *goja.Runtime, exports *goja.Object, fn func(*goja.Runtime, *goja.Object) (goja.Value, error)) (val goja.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script panic: %v", rec)
		}
	}()
	return fn(rt, exports)
}

// Execute runs fn on the instance goroutine. When ctx ends first the VM is
// interrupted and the interruption is returned.
func (i *Instance) Execute(ctx context.Context, fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	if i == nil {
		return nil, fmt.Errorf("script instance: nil receiver")
	}
	if fn == nil {
		return nil, fmt.Errorf("script instance: callback required")
	}
	j := &job{fn: fn, result: make(chan result, 1)}

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, fmt.Errorf("script instance: closed")
	}
	select {
	case i.queue <- j:
	case <-ctx.Done():
		i.mu.RUnlock()
		return nil, ctx.Err()
	}
	i.mu.RUnlock()

	select {
	case outcome := <-j.result:
		return outcome.value, outcome.err
	case <-ctx.Done():
		j.mu.Lock()
		if !j.done {
			i.rt.Interrupt(ctx.Err())
		}
		j.mu.Unlock()
		outcome := <-j.result
		if outcome.err == nil {
			return outcome.value, nil
		}
		return nil, fmt.Errorf("script interrupted: %w", ctx.Err())
	}
}

// Call invokes the named export with args converted to JS values.
func (i *Instance) Call(ctx context.Context, function string, args ...any) (goja.Value, error) {
	return i.Execute(ctx, func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		callable, ok := goja.AssertFunction(exports.Get(function))
		if !ok {
			return nil, ErrFunctionMissing
		}
		params := make([]goja.Value, len(args))
		for idx, arg := range args {
			params[idx] = rt.ToValue(arg)
		}
		return callable(goja.Undefined(), params...)
	})
}

// Close stops the instance goroutine.
func (i *Instance) Close() {
	if i == nil {
		return
	}
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
		i.wg.Wait()
	})
}
