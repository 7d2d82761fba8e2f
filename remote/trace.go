package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

func IsDoneError(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, ErrCancelled) || v.Error() == "Done"
	case string:
		return v == "Done"
	default:
		return false
	}
}

// runs `do` and recovers a panic into the returned value.
// handlers are called with the recovered value as either `func()` or `func(error)`
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if !IsDoneError(r) {
				glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

// a single json line with the error and the non-empty stack lines
func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"type":  fmt.Sprintf("%T", err),
		"error": fmt.Sprintf("%v", err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// logs the start and the duration of `do` under `tag`
func Trace(tag string, do func()) {
	span := startSpan(tag)
	do()
	span.end("")
}

// like `Trace`, and also logs the result or the error
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	span := startSpan(tag)
	result, err := do()
	if err != nil {
		span.end(fmt.Sprintf(" err = %s", err))
	} else {
		span.end(fmt.Sprintf(" = %v", result))
	}
	return result, err
}

type traceSpan struct {
	tag   string
	start time.Time
}

func startSpan(tag string) *traceSpan {
	span := &traceSpan{
		tag:   tag,
		start: time.Now(),
	}
	glog.Infof("[trace]%s start\n", tag)
	return span
}

func (self *traceSpan) end(suffix string) {
	millis := float64(time.Since(self.start)) / float64(time.Millisecond)
	glog.Infof("[trace]%s end (%.2fms)%s\n", self.tag, millis, suffix)
}
