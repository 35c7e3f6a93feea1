// Package scripting bridges match lifecycle events into Lua. Operators
// drop scripts into the configured directory to react to joins and match
// results without rebuilding the server.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/c45bj/server/internal/game"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM. Hook calls come from concurrent
// match goroutines, so every VM entry is serialized by a mutex.
type Engine struct {
	mu  sync.Mutex
	vm  *lua.LState
	log *zap.Logger
}

var _ game.Hooks = (*Engine)(nil)

// NewEngine creates a Lua engine and loads all scripts from the given
// directory. A missing directory yields a nil engine and no error: the
// scripting layer is optional.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	if scriptsDir == "" {
		return nil, nil
	}
	if _, err := os.Stat(scriptsDir); os.IsNotExist(err) {
		return nil, nil
	}

	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// OnPlayerJoin calls Lua on_player_join(name, lobby).
func (e *Engine) OnPlayerJoin(name string, lobby int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.vm.GetGlobal("on_player_join")
	if fn == lua.LNil {
		return
	}
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, lua.LString(name), lua.LNumber(lobby)); err != nil {
		e.log.Error("lua on_player_join error", zap.Error(err))
	}
}

// OnMatchStart calls Lua on_match_start(lobby, name1, name2).
func (e *Engine) OnMatchStart(lobby int, name1, name2 string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.vm.GetGlobal("on_match_start")
	if fn == lua.LNil {
		return
	}
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, lua.LNumber(lobby), lua.LString(name1), lua.LString(name2)); err != nil {
		e.log.Error("lua on_match_start error", zap.Error(err))
	}
}

// OnMatchEnd calls Lua on_match_end(result) with the outcome packed into
// a table. Busted players carry value -1, matching the wire result.
func (e *Engine) OnMatchEnd(rec *game.MatchRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.vm.GetGlobal("on_match_end")
	if fn == lua.LNil {
		return
	}

	t := e.vm.NewTable()
	t.RawSetString("lobby", lua.LNumber(rec.Lobby))
	t.RawSetString("name1", lua.LString(rec.Name1))
	t.RawSetString("value1", lua.LNumber(rec.Value1))
	t.RawSetString("name2", lua.LString(rec.Name2))
	t.RawSetString("value2", lua.LNumber(rec.Value2))
	t.RawSetString("winner", lua.LString(rec.Winner))
	if rec.Forced {
		t.RawSetString("forced", lua.LTrue)
	} else {
		t.RawSetString("forced", lua.LFalse)
	}
	t.RawSetString("duration_sec", lua.LNumber(rec.FinishedAt.Sub(rec.StartedAt).Seconds()))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua on_match_end error", zap.Error(err))
	}
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}
