package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deckhand-ai/deckhand/config"
)

// Telemetry provides monitoring and cost tracking for the deck pipeline.
// Each instance owns its own prometheus registry so tests can construct as
// many as they like.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	registry    *prometheus.Registry
	prom        *promMetrics
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	SucceededRuns  int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Worker metrics, keyed by phase
	WorkerExecutions   map[string]int64
	WorkerSuccessRates map[string]float64
	WorkerAverageTimes map[string]time.Duration

	// LLM metrics, keyed by model
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Source fetch metrics, keyed by host
	FetchRequests     map[string]int64
	FetchSuccessRates map[string]float64
	FetchAverageTimes map[string]time.Duration
}

// CostTracker tracks LLM spend across models and pipeline phases
type CostTracker struct {
	ModelCosts  map[string]float64 // model -> cost
	PhaseCosts  map[string]float64 // phase -> cost
	TotalCost   float64
	TotalTokens int64
}

// promMetrics are the collectors exposed on /metrics.
type promMetrics struct {
	runsStarted      prometheus.Counter
	runsCompleted    *prometheus.CounterVec
	phaseTransitions *prometheus.CounterVec
	taskRetries      *prometheus.CounterVec
	llmTokens        *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	slidesProduced   prometheus.Counter
}

// RunEvent represents one end-to-end deck generation
type RunEvent struct {
	RunID        string
	LearningGoal string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Success      bool
	Error        string
	SlideCount   int
	Cost         float64
	TokensUsed   int64
	ModelsUsed   []string
}

// WorkerEvent represents one phase worker execution
type WorkerEvent struct {
	RunID        string
	Phase        string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Success      bool
	Error        string
	Retries      int
	Cost         float64
	InputTokens  int64
	OutputTokens int64
	ModelUsed    string
}

// FetchEvent represents one reference-URL fetch during research
type FetchEvent struct {
	Host     string
	Duration time.Duration
	Success  bool
	Error    string
	Chars    int
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	registry := prometheus.NewRegistry()
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			WorkerExecutions:   make(map[string]int64),
			WorkerSuccessRates: make(map[string]float64),
			WorkerAverageTimes: make(map[string]time.Duration),
			LLMRequests:        make(map[string]int64),
			LLMTokensUsed:      make(map[string]int64),
			FetchRequests:      make(map[string]int64),
			FetchSuccessRates:  make(map[string]float64),
			FetchAverageTimes:  make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			ModelCosts: make(map[string]float64),
			PhaseCosts: make(map[string]float64),
		},
		registry: registry,
		prom:     newPromMetrics(registry),
	}

	// Periodic logs can be disabled via config
	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	p := &promMetrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deckhand_runs_started_total",
			Help: "Deck generation runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deckhand_runs_completed_total",
			Help: "Deck generation runs finished, by status.",
		}, []string{"status"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deckhand_phase_transitions_total",
			Help: "Planner phase decisions, by phase.",
		}, []string{"phase"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deckhand_task_retries_total",
			Help: "Worker task retry attempts, by phase.",
		}, []string{"phase"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deckhand_llm_tokens_total",
			Help: "LLM tokens consumed, by model and direction.",
		}, []string{"model", "direction"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deckhand_phase_duration_seconds",
			Help:    "Wall time of one phase worker execution.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"phase"}),
		slidesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deckhand_slides_produced_total",
			Help: "Slides present in assembled decks.",
		}),
	}
	reg.MustRegister(
		p.runsStarted, p.runsCompleted, p.phaseTransitions,
		p.taskRetries, p.llmTokens, p.phaseDuration, p.slidesProduced,
	)
	return p
}

// Registry exposes the collectors for the /metrics endpoint.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordRunStart counts a run the moment it is accepted.
func (t *Telemetry) RecordRunStart(ctx context.Context, runID string) {
	if !t.config.Enabled {
		return
	}
	t.prom.runsStarted.Inc()
	t.logger.Printf("Run started: ID=%s", runID)
}

// RecordRunEvent records a complete run
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SucceededRuns++
	} else {
		t.metrics.FailedRuns++
	}

	// Update average run time
	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	status := "done"
	if !event.Success {
		status = "failed"
	}
	t.prom.runsCompleted.WithLabelValues(status).Inc()
	t.prom.slidesProduced.Add(float64(event.SlideCount))

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, Slides=%d, Cost=$%.4f, Tokens=%d",
		event.RunID, event.Success, event.Duration, event.SlideCount, event.Cost, event.TokensUsed)
}

// RecordWorkerEvent records a phase worker execution
func (t *Telemetry) RecordWorkerEvent(ctx context.Context, event WorkerEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.WorkerExecutions[event.Phase]++

	// Update success rate
	currentSuccess := t.metrics.WorkerSuccessRates[event.Phase] * float64(t.metrics.WorkerExecutions[event.Phase]-1)
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.WorkerSuccessRates[event.Phase] = currentSuccess / float64(t.metrics.WorkerExecutions[event.Phase])

	// Update average time
	currentExecutions := t.metrics.WorkerExecutions[event.Phase]
	currentAvg := t.metrics.WorkerAverageTimes[event.Phase]
	if currentExecutions == 1 {
		t.metrics.WorkerAverageTimes[event.Phase] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentExecutions-1)
		t.metrics.WorkerAverageTimes[event.Phase] = (total + event.Duration) / time.Duration(currentExecutions)
	}

	tokens := event.InputTokens + event.OutputTokens
	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += tokens
		t.prom.llmTokens.WithLabelValues(event.ModelUsed, "input").Add(float64(event.InputTokens))
		t.prom.llmTokens.WithLabelValues(event.ModelUsed, "output").Add(float64(event.OutputTokens))
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += tokens
	t.costTracker.PhaseCosts[event.Phase] += event.Cost
	if event.ModelUsed != "" {
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}

	t.prom.phaseDuration.WithLabelValues(event.Phase).Observe(event.Duration.Seconds())
	if event.Retries > 0 {
		t.prom.taskRetries.WithLabelValues(event.Phase).Add(float64(event.Retries))
	}

	t.logger.Printf("Worker Event: Phase=%s, Success=%t, Duration=%v, Retries=%d, Cost=$%.4f",
		event.Phase, event.Success, event.Duration, event.Retries, event.Cost)
}

// RecordPhaseTransition counts one planner phase decision.
func (t *Telemetry) RecordPhaseTransition(phase string) {
	if !t.config.Enabled {
		return
	}
	t.prom.phaseTransitions.WithLabelValues(phase).Inc()
}

// RecordFetchEvent records a reference-URL fetch
func (t *Telemetry) RecordFetchEvent(ctx context.Context, event FetchEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.FetchRequests[event.Host]++

	currentSuccess := t.metrics.FetchSuccessRates[event.Host] * float64(t.metrics.FetchRequests[event.Host]-1)
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.FetchSuccessRates[event.Host] = currentSuccess / float64(t.metrics.FetchRequests[event.Host])

	currentRequests := t.metrics.FetchRequests[event.Host]
	currentAvg := t.metrics.FetchAverageTimes[event.Host]
	if currentRequests == 1 {
		t.metrics.FetchAverageTimes[event.Host] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentRequests-1)
		t.metrics.FetchAverageTimes[event.Host] = (total + event.Duration) / time.Duration(currentRequests)
	}

	t.logger.Printf("Fetch Event: Host=%s, Success=%t, Duration=%v, Chars=%d",
		event.Host, event.Success, event.Duration, event.Chars)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Deep copy to avoid handing out the live maps
	metrics := *t.metrics
	metrics.WorkerExecutions = make(map[string]int64)
	metrics.WorkerSuccessRates = make(map[string]float64)
	metrics.WorkerAverageTimes = make(map[string]time.Duration)
	metrics.LLMRequests = make(map[string]int64)
	metrics.LLMTokensUsed = make(map[string]int64)
	metrics.FetchRequests = make(map[string]int64)
	metrics.FetchSuccessRates = make(map[string]float64)
	metrics.FetchAverageTimes = make(map[string]time.Duration)

	for k, v := range t.metrics.WorkerExecutions {
		metrics.WorkerExecutions[k] = v
	}
	for k, v := range t.metrics.WorkerSuccessRates {
		metrics.WorkerSuccessRates[k] = v
	}
	for k, v := range t.metrics.WorkerAverageTimes {
		metrics.WorkerAverageTimes[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}
	for k, v := range t.metrics.FetchRequests {
		metrics.FetchRequests[k] = v
	}
	for k, v := range t.metrics.FetchSuccessRates {
		metrics.FetchSuccessRates[k] = v
	}
	for k, v := range t.metrics.FetchAverageTimes {
		metrics.FetchAverageTimes[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  make(map[string]float64),
		PhaseCosts:  make(map[string]float64),
	}

	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.PhaseCosts {
		summary.PhaseCosts[k] = v
	}

	return summary
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
	PhaseCosts  map[string]float64
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SucceededRuns, metrics.TotalRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

// startCostReporting starts periodic cost reporting
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)

		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
		for phase, cost := range costs.PhaseCosts {
			t.logger.Printf("  Phase %s: $%.4f", phase, cost)
		}
	}
}

// Shutdown gracefully shuts down the telemetry system
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()
	if metrics.TotalRuns == 0 {
		return
	}

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SucceededRuns)/float64(metrics.TotalRuns)*100)
	t.logger.Printf("  Average Run Time: %v", metrics.AverageRunTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// CalculateCost converts token usage to dollars for a model's configured rates.
func (t *Telemetry) CalculateCost(inputTokens, outputTokens int64, costPer1KInput, costPer1KOutput float64) float64 {
	inputCost := float64(inputTokens) / 1000.0 * costPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * costPer1KOutput
	return inputCost + outputCost
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()
	if metrics.TotalRuns == 0 {
		return "no runs recorded"
	}

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Overall Metrics:
  Total Runs: %d
  Succeeded: %d (%.2f%%)
  Failed: %d (%.2f%%)
  Average Run Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Worker Performance:
`, metrics.TotalRuns, metrics.SucceededRuns,
		float64(metrics.SucceededRuns)/float64(metrics.TotalRuns)*100,
		metrics.FailedRuns, float64(metrics.FailedRuns)/float64(metrics.TotalRuns)*100,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for phase, executions := range metrics.WorkerExecutions {
		successRate := metrics.WorkerSuccessRates[phase]
		avgTime := metrics.WorkerAverageTimes[phase]
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time\n",
			phase, executions, successRate*100, avgTime)
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		tokens := metrics.LLMTokensUsed[model]
		cost := costs.ModelCosts[model]
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, tokens, cost)
	}

	report += "\nSource Fetches:\n"
	for host, requests := range metrics.FetchRequests {
		successRate := metrics.FetchSuccessRates[host]
		avgTime := metrics.FetchAverageTimes[host]
		report += fmt.Sprintf("  %s: %d requests, %.2f%% success, %v avg time\n",
			host, requests, successRate*100, avgTime)
	}

	return report
}
