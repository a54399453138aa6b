// Package xlog is SwarmOS's structured logger, adapted from the style of
// go-ethereum's log package: leveled, key-value context, caller frames
// via go-stack/stack, and a terminal handler that colorizes when attached
// to a tty (mattn/go-colorable, mattn/go-isatty) and writes the same
// format without color otherwise (e.g. when output is redirected to a
// file). Sorted-key logfmt is available through LogfmtFormat.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a log severity level, ordered from most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

var (
	colorForLevel = map[Lvl]int{
		LvlCrit:  35, // magenta
		LvlError: 31, // red
		LvlWarn:  33, // yellow
		LvlInfo:  32, // green
		LvlDebug: 36, // cyan
		LvlTrace: 90, // bright black
	}
)

// Record is one emitted log line.
type Record struct {
	Time time.Time
	Lvl  Lvl
	Msg  string
	Ctx  []interface{}
	Call stack.Call
}

// Handler consumes a Record. Handlers are composable: Logger writes to
// exactly one, but that one may fan out.
type Handler interface {
	Log(r *Record) error
}

// Logger emits Records carrying a fixed set of key-value context applied
// to every call (set via New).
type Logger interface {
	New(ctx ...interface{}) Logger
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	h   *holder
}

type holder struct {
	mu sync.Mutex
	h  Handler
}

func (hl *holder) Log(r *Record) error {
	hl.mu.Lock()
	h := hl.h
	hl.mu.Unlock()
	return h.Log(r)
}

var root = &logger{h: &holder{h: StreamHandler(os.Stderr, TerminalFormat())}}

// Root returns the default logger. SwarmOS services call xlog.New to
// derive component loggers from it (e.g. xlog.New("component", "dispatch")).
func Root() Logger { return root }

// New derives a child logger with ctx merged into every subsequent call.
func New(ctx ...interface{}) Logger {
	return root.New(ctx...)
}

// SetHandler replaces the root handler, e.g. to switch to JSON output or
// redirect to a file in production.
func SetHandler(h Handler) {
	root.h.mu.Lock()
	root.h.h = h
	root.h.mu.Unlock()
}

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged, h: l.h}
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	r := &Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  all,
		Call: stack.Caller(2),
	}
	_ = l.h.Log(r)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

// Format renders a Record to bytes.
type Format interface {
	Format(r *Record) []byte
}

type terminalFormat struct{ color bool }

// TerminalFormat renders "time level msg key=value ..." with ANSI color
// on the level when the destination is a tty.
func TerminalFormat() Format { return &terminalFormat{} }

func (f *terminalFormat) Format(r *Record) []byte {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteByte(' ')
	if f.color {
		fmt.Fprintf(&b, "\x1b[%dm%-5s\x1b[0m", colorForLevel[r.Lvl], r.Lvl.String())
	} else {
		fmt.Fprintf(&b, "%-5s", r.Lvl.String())
	}
	b.WriteByte(' ')
	b.WriteString(r.Msg)

	for i := 0; i+1 < len(r.Ctx); i += 2 {
		k := fmt.Sprint(r.Ctx[i])
		v := r.Ctx[i+1]
		fmt.Fprintf(&b, " %s=%s", k, formatValue(v))
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// LogfmtFormat renders context in sorted-key logfmt, suited for
// machine-parsed, non-tty output.
func LogfmtFormat() Format { return &logfmtFormat{} }

type logfmtFormat struct{}

func (f *logfmtFormat) Format(r *Record) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "t=%s lvl=%s msg=%q", r.Time.Format(time.RFC3339), strings.ToLower(r.Lvl.String()), r.Msg)

	type kv struct{ k, v string }
	pairs := make([]kv, 0, len(r.Ctx)/2)
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		pairs = append(pairs, kv{fmt.Sprint(r.Ctx[i]), formatValue(r.Ctx[i+1])})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	for _, p := range pairs {
		fmt.Fprintf(&b, " %s=%s", p.k, p.v)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case error:
		return fmt.Sprintf("%q", x.Error())
	case string:
		if strings.ContainsAny(x, " \t\"=") {
			return fmt.Sprintf("%q", x)
		}
		return x
	default:
		return fmt.Sprint(x)
	}
}

type streamHandler struct {
	mu  sync.Mutex
	w   io.Writer
	fmt Format
}

// StreamHandler writes formatted records to w. When w is os.Stdout or
// os.Stderr and is a tty, output is wrapped with go-colorable so ANSI
// color codes render on Windows consoles too.
func StreamHandler(w io.Writer, format Format) Handler {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		w = colorable.NewColorable(f)
		if tf, ok := format.(*terminalFormat); ok {
			tf.color = true
		}
	}
	return &streamHandler{w: w, fmt: format}
}

func (h *streamHandler) Log(r *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(h.fmt.Format(r))
	return err
}

// MultiHandler fans a Record out to every handler in hs.
func MultiHandler(hs ...Handler) Handler {
	return multiHandler(hs)
}

type multiHandler []Handler

func (hs multiHandler) Log(r *Record) error {
	var firstErr error
	for _, h := range hs {
		if err := h.Log(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
