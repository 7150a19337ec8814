// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package testwings

import "github.com/prometheus/client_golang/prometheus"

var (
	analyzeRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "analyze_request_ops_total",
			Help:      "The total number of screen analysis requests.",
		},
		[]string{"status"},
	)
	analyzeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "analyze_errors_total",
			Help:      "The total number of failed screen analyses by error kind.",
		},
		[]string{"kind"},
	)

	tokenGenerationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "token_generation_ops_total",
			Help:      "The total number of tokens generated by the decoder.",
		},
	)
	elementCreationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "ui_element_creation_ops_total",
			Help:      "The total number of UI elements extracted from model output.",
		},
	)
	outputParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "output_parse_failures_total",
			Help:      "The total number of model outputs without usable element JSON.",
		},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a screen model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "stage_duration_seconds",
			Help:      "Time taken by each stage of a screen analysis.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"}, // encode, decode, total
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)

	inferenceTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "inference_timed_out_total",
			Help:      "Total number of analyses abandoned at the call timeout.",
		},
	)

	inferenceWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "testwings",
			Name:      "inference_wait_duration_seconds",
			Help:      "Time spent waiting for the inference slot.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(analyzeRequestOps)
	prometheus.MustRegister(analyzeErrors)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(elementCreationOps)
	prometheus.MustRegister(outputParseFailures)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(inferenceTimedOutTotal)
	prometheus.MustRegister(inferenceWaitDuration)
}

// RecordAnalyzeRequest increments the request counter for the given status
func RecordAnalyzeRequest(status string) {
	analyzeRequestOps.WithLabelValues(status).Inc()
}

// RecordAnalyzeError counts a failed analysis under its error kind
func RecordAnalyzeError(err error) {
	analyzeErrors.WithLabelValues(Kind(err)).Inc()
}

// RecordTokensGenerated adds to the generated token counter
func RecordTokensGenerated(n int) {
	tokenGenerationOps.Add(float64(n))
}

// RecordElementsFound adds to the extracted UI element counter
func RecordElementsFound(n int) {
	elementCreationOps.Add(float64(n))
}

// RecordOutputParseFailure increments the parse failure counter
func RecordOutputParseFailure() {
	outputParseFailures.Inc()
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(status string, seconds float64) {
	modelLoadDuration.WithLabelValues(status).Observe(seconds)
}

// RecordStageDuration records how long a pipeline stage took
func RecordStageDuration(stage string, seconds float64) {
	stageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordInferenceTimeout increments the timeout counter
func RecordInferenceTimeout() {
	inferenceTimedOutTotal.Inc()
}

// RecordInferenceWaitTime records how long a request waited for the inference slot
func RecordInferenceWaitTime(seconds float64) {
	inferenceWaitDuration.Observe(seconds)
}

// WriteMetricsTextfile writes every registered metric to path in the
// node-exporter textfile format.
func WriteMetricsTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
