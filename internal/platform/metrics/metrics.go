package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Opts struct {
	Name string
	Help string
}

type collector interface {
	name() string
	write(*strings.Builder)
}

// Registry renders registered collectors in the text exposition format.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]collector{}}
}

func (r *Registry) MustRegister(items ...collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if _, exists := r.collectors[item.name()]; exists {
			panic("metrics collector already registered: " + item.name())
		}
		r.collectors[item.name()] = item
	}
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]collector, len(names))
	for i, name := range names {
		items[i] = r.collectors[name]
	}
	r.mu.RUnlock()

	var sb strings.Builder
	for _, c := range items {
		c.write(&sb)
	}
	return sb.String()
}

var Default = NewRegistry()

var processStart = time.Now()

type GaugeFunc struct {
	opts Opts
	fn   func() float64
}

func NewGaugeFunc(opts Opts, fn func() float64) *GaugeFunc {
	return &GaugeFunc{opts: opts, fn: fn}
}

func (g *GaugeFunc) name() string { return g.opts.Name }

func (g *GaugeFunc) write(sb *strings.Builder) {
	head(sb, g.opts, "gauge")
	v := 0.0
	if g.fn != nil {
		v = g.fn()
	}
	fmt.Fprintf(sb, "%s %s\n", g.opts.Name, format(v))
}

// CounterVec is a monotonically increasing counter partitioned by labels.
type CounterVec struct {
	opts   Opts
	labels []string

	mu     sync.RWMutex
	values map[string]float64
}

func NewCounterVec(opts Opts, labels []string) *CounterVec {
	return &CounterVec{opts: opts, labels: append([]string(nil), labels...), values: map[string]float64{}}
}

func (c *CounterVec) name() string { return c.opts.Name }

func (c *CounterVec) WithLabelValues(values ...string) Counter {
	return Counter{vec: c, values: values}
}

// Value returns the current count for the label values.
func (c *CounterVec) Value(values ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[strings.Join(values, "\xff")]
}

func (c *CounterVec) write(sb *strings.Builder) {
	head(sb, c.opts, "counter")

	c.mu.RLock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		values := strings.Split(k, "\xff")
		pairs := make([]string, len(c.labels))
		for j, label := range c.labels {
			pairs[j] = label + `="` + escape(values[j]) + `"`
		}
		lines[i] = fmt.Sprintf("%s{%s} %s\n", c.opts.Name, strings.Join(pairs, ","), format(c.values[k]))
	}
	c.mu.RUnlock()

	for _, line := range lines {
		sb.WriteString(line)
	}
}

type Counter struct {
	vec    *CounterVec
	values []string
}

func (c Counter) Add(v float64) {
	if c.vec == nil || v < 0 || len(c.values) != len(c.vec.labels) {
		return
	}
	key := strings.Join(c.values, "\xff")
	c.vec.mu.Lock()
	c.vec.values[key] += v
	c.vec.mu.Unlock()
}

func (c Counter) Inc() { c.Add(1) }

func head(sb *strings.Builder, opts Opts, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", opts.Name, opts.Help, opts.Name, kind)
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escape(v string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`).Replace(v)
}

func init() {
	Default.MustRegister(
		NewGaugeFunc(Opts{Name: "process_uptime_seconds", Help: "Seconds since process start."}, func() float64 {
			return time.Since(processStart).Seconds()
		}),
		NewGaugeFunc(Opts{Name: "go_goroutines", Help: "Number of goroutines."}, func() float64 {
			return float64(runtime.NumGoroutine())
		}),
	)
}
