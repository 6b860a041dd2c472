package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/node"
)

const help = `commands:
  <op> [args...]     call an operation, e.g. "add 2 3" or "regress [1,2,3] [2,4,6]"
  :set <key> <value> change a calculator setting and push it to the unit
  :config            show the unit's settings
  :cancel            cancel every running call
  :restart           restart the execution unit
  :alive             report whether the unit is alive
  :pending           number of running calls
  :program           print the unit program
  :quit              exit
`

type repl struct {
	n   *node.Node
	mu  sync.Mutex
	out io.Writer
	wg  sync.WaitGroup
}

func newREPL(n *node.Node, out io.Writer) *repl {
	return &repl{n: n, out: out}
}

func (r *repl) printf(format string, a ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = fmt.Fprintf(r.out, format, a...)
}

// loop reads commands until EOF, :quit or ctx ends; calls run concurrently so
// :cancel can reach them.
func (r *repl) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			r.n.Channel.CancelAll()
			r.wg.Wait()
			return
		case line, ok := <-lines:
			if !ok || !r.exec(ctx, line, false) {
				r.wg.Wait()
				return
			}
		}
	}
}

// exec runs one command and reports whether to continue.
func (r *repl) exec(ctx context.Context, line string, wait bool) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	d := r.n.Dispatcher
	switch fields[0] {
	case ":quit", ":q":
		return false
	case ":help":
		r.printf("%s", help)
	case ":alive":
		r.printf("alive: %v\n", r.n.Channel.IsAlive())
	case ":pending":
		r.printf("pending: %d\n", r.n.Channel.Pending())
	case ":cancel":
		r.n.Channel.CancelAll()
	case ":program":
		r.printf("%s", r.n.Builder.Program().Text())
	case ":restart":
		if err := r.n.Channel.Restart(ctx); err != nil {
			r.printf("restart: %v\n", err)
			break
		}
		if err := d.Configure(ctx); err != nil {
			r.printf("configure: %v\n", err)
			break
		}
		r.printf("unit restarted\n")
	case ":config":
		r.call(ctx, "getConfig", nil)
	case ":set":
		if len(fields) != 3 {
			r.printf("usage: :set <key> <value>\n")
			break
		}
		if err := d.Set(ctx, fields[1], parseArg(fields[2])); err != nil {
			r.printf("set %s: %v\n", fields[1], err)
		}
	default:
		args := make([]any, 0, len(fields)-1)
		for _, f := range fields[1:] {
			args = append(args, parseArg(f))
		}
		if wait {
			r.call(ctx, fields[0], args)
			break
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.call(ctx, fields[0], args)
		}()
	}
	return true
}

func (r *repl) call(ctx context.Context, op string, args []any) {
	v, err := r.n.Dispatcher.Call(ctx, op, args...)
	if err != nil {
		r.printf("%s: %s\n", op, describe(err))
		return
	}
	b, jerr := json.Marshal(v)
	if jerr != nil {
		r.printf("%s = %v\n", op, v)
		return
	}
	r.printf("%s = %s\n", op, b)
}

func describe(err error) string {
	switch api.KindOf(err) {
	case api.KindTimedOut, api.KindCrashed:
		return err.Error() + " (unit restarted)"
	default:
		return err.Error()
	}
}

// parseArg reads integers as int64, JSON lists and maps as values and keeps
// everything else as a string; decimal strings keep their precision.
func parseArg(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return s
}
