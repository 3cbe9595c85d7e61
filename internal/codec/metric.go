package codec

import "github.com/basket/tablebus/internal/tablestore"

// Metric is one rolling aggregate window, keyed by
// (window_start, agent_id, session_id) with last-write-wins updates.
type Metric struct {
	WindowStart       int64 // minute-aligned UnixNano
	AgentID           string
	SessionID         string
	MessagesProcessed int64
	AvgLatencyMS      float64
	Errors            int64
	TokenUsage        int64
	LastUpdateTS      int64
}

const metricsTable = "agent_metrics"

// MetricSpec is the metrics table definition.
func MetricSpec(namespace string) tablestore.TableSpec {
	return tablestore.TableSpec{
		Name: namespace + metricsTable,
		Schema: []tablestore.Column{
			{Name: "window_start", Type: tablestore.TypeLong},
			{Name: "agent_id", Type: tablestore.TypeString},
			{Name: "session_id", Type: tablestore.TypeString},
			{Name: "messages_processed", Type: tablestore.TypeLong},
			{Name: "avg_latency_ms", Type: tablestore.TypeDouble},
			{Name: "errors", Type: tablestore.TypeLong},
			{Name: "token_usage", Type: tablestore.TypeLong},
			{Name: "last_update_ts", Type: tablestore.TypeLong},
		},
		KeyColumns: []string{"window_start", "agent_id", "session_id"},
	}
}

func EncodeMetric(m Metric) tablestore.Row {
	return tablestore.Row{
		"window_start":       m.WindowStart,
		"agent_id":           m.AgentID,
		"session_id":         m.SessionID,
		"messages_processed": m.MessagesProcessed,
		"avg_latency_ms":     m.AvgLatencyMS,
		"errors":             m.Errors,
		"token_usage":        m.TokenUsage,
		"last_update_ts":     m.LastUpdateTS,
	}
}

func DecodeMetric(row tablestore.Row) (Metric, error) {
	var m Metric
	var err error
	if m.WindowStart, err = longOf(metricsTable, row, "window_start"); err != nil {
		return Metric{}, err
	}
	if m.AgentID, err = stringOf(metricsTable, row, "agent_id"); err != nil {
		return Metric{}, err
	}
	if m.SessionID, err = stringOf(metricsTable, row, "session_id"); err != nil {
		return Metric{}, err
	}
	if m.MessagesProcessed, err = longOf(metricsTable, row, "messages_processed"); err != nil {
		return Metric{}, err
	}
	if m.AvgLatencyMS, err = doubleOf(metricsTable, row, "avg_latency_ms"); err != nil {
		return Metric{}, err
	}
	if m.Errors, err = longOf(metricsTable, row, "errors"); err != nil {
		return Metric{}, err
	}
	if m.TokenUsage, err = longOf(metricsTable, row, "token_usage"); err != nil {
		return Metric{}, err
	}
	if m.LastUpdateTS, err = longOf(metricsTable, row, "last_update_ts"); err != nil {
		return Metric{}, err
	}
	return m, nil
}
