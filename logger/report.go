package logger

import (
	"sort"
	"sync"
	"sync/atomic"
)

type componentStat struct {
	warns  int64
	errors int64
}

var components sync.Map // map[string]*componentStat

func statFor(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&statFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&statFor(component).errors, 1)
}

// ComponentCount is the number of warnings and errors a component logged.
type ComponentCount struct {
	Component string
	Warns     int64
	Errors    int64
}

// ComponentCounts returns per-component warn/error totals sorted by component name.
func ComponentCounts() []ComponentCount {
	var out []ComponentCount
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		out = append(out, ComponentCount{
			Component: k.(string),
			Warns:     atomic.LoadInt64(&cs.warns),
			Errors:    atomic.LoadInt64(&cs.errors),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// LogReport emits a single summary line with the per-component warn/error totals.
func LogReport(log *Log) {
	counts := ComponentCounts()
	fields := Fields{}
	var warns, errs int64
	for _, c := range counts {
		fields["warns_"+c.Component] = c.Warns
		fields["errors_"+c.Component] = c.Errors
		warns += c.Warns
		errs += c.Errors
	}
	fields["warns_total"] = warns
	fields["errors_total"] = errs
	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
