package mcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notebook_mcp",
			Subsystem: "mcp",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and error type (\"none\" on success).",
		},
		[]string{"tool", "error_type"},
	)

	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "notebook_mcp",
			Subsystem: "mcp",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"tool"},
	)
)
