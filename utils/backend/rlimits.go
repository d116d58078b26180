package backend

import (
	"fmt"
	"syscall"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// rlimitNames maps the symbolic names accepted under opts.backend.rlimits
var rlimitNames = map[string]int{
	"core":   syscall.RLIMIT_CORE,
	"cpu":    syscall.RLIMIT_CPU,
	"data":   syscall.RLIMIT_DATA,
	"fsize":  syscall.RLIMIT_FSIZE,
	"nofile": syscall.RLIMIT_NOFILE,
	"stack":  syscall.RLIMIT_STACK,
	"as":     syscall.RLIMIT_AS,
}

// applyRlimits applies resource-limit updates before spawning a child.
// Limits are inherited by the subprocess.
func applyRlimits(rlimits *ordered.Map) error {
	if rlimits == nil {
		return nil
	}
	for _, name := range rlimits.Keys() {
		resource, ok := rlimitNames[name]
		if !ok {
			return Error{Msg: fmt.Sprintf("unknown rlimit '%s'", name)}
		}
		var value uint64
		switch v := rlimits.Get(name).(type) {
		case int:
			value = uint64(v)
		case string:
			if v == "unlimited" {
				value = ^uint64(0)
			} else {
				return Error{Msg: fmt.Sprintf("bad rlimit value '%s' for '%s'", v, name)}
			}
		default:
			return Error{Msg: fmt.Sprintf("bad rlimit value for '%s'", name)}
		}
		limit := &syscall.Rlimit{Cur: value, Max: value}
		if err := syscall.Setrlimit(resource, limit); err != nil {
			return Error{Msg: fmt.Sprintf("can't set rlimit '%s'", name), Nested: err}
		}
		config.DebugLog("backend: rlimit %s set to %d", name, value)
	}
	return nil
}
