package metrics

import (
	"sync"
	"time"

	"derivflow/logger"
)

// Metric is a structured metric event. Every event is logged once and then
// handed to the registered handlers.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     float64
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler.
type MetricHandlerID uint64

var (
	handlersMu sync.RWMutex
	handlers   = make(map[MetricHandlerID]MetricHandler)
	nextID     MetricHandlerID
)

// RegisterMetricHandler adds a handler for every emitted metric. Nil handlers
// are ignored and yield a zero id.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	handlersMu.Lock()
	defer handlersMu.Unlock()

	nextID++
	handlers[nextID] = handler
	return nextID
}

// UnregisterMetricHandler removes a handler.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

func recordMetric(log *logger.Log, component, name string, value float64, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	logFields := make(logger.Fields, len(copied)+3)
	for k, v := range copied {
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    copied,
	}
	dispatch(m)
}

func dispatch(m Metric) {
	handlersMu.RLock()
	active := make([]MetricHandler, 0, len(handlers))
	for _, h := range handlers {
		active = append(active, h)
	}
	handlersMu.RUnlock()

	for _, h := range active {
		h(m)
	}
}
