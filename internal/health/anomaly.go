package health

import "fmt"

const (
	spikeFactor = 1.5 // CPU sample over this multiple of the recent mean is a spike
	spikeWindow = 5   // samples averaged for spike detection
	leakWindow  = 10  // samples inspected for leak detection
	leakRatio   = 0.7 // fraction of rising steps that signals a leak
)

// detectAnomalies inspects history, whose last element is the current cycle.
func detectAnomalies(history []Snapshot, th Thresholds) []Anomaly {
	var out []Anomaly
	if a, ok := cpuSpike(history); ok {
		out = append(out, a)
	}
	if a, ok := memoryLeak(history); ok {
		out = append(out, a)
	}
	if a, ok := errorSpike(history, th); ok {
		out = append(out, a)
	}
	return out
}

// cpuSpike compares the current CPU sample against the mean of the five before it.
func cpuSpike(history []Snapshot) (Anomaly, bool) {
	n := len(history)
	if n < spikeWindow+1 {
		return Anomaly{}, false
	}

	var sum float64
	for _, s := range history[n-1-spikeWindow : n-1] {
		sum += s.System.CPU
	}
	mean := sum / spikeWindow
	cur := history[n-1].System.CPU

	// A zero mean usually means the gauge could not be read
	if mean <= 0 || cur <= spikeFactor*mean {
		return Anomaly{}, false
	}
	return Anomaly{
		Kind:     AnomalyCPUSpike,
		Severity: SeverityWarning,
		Value:    cur,
		Message:  fmt.Sprintf("cpu at %.1f%% vs recent mean %.1f%%", cur, mean),
	}, true
}

// memoryLeak flags a memory series that rises in more than 70% of the steps
// across the last ten samples.
func memoryLeak(history []Snapshot) (Anomaly, bool) {
	n := len(history)
	if n < leakWindow {
		return Anomaly{}, false
	}

	window := history[n-leakWindow:]
	rising := 0
	for i := 1; i < len(window); i++ {
		if window[i].System.Memory > window[i-1].System.Memory {
			rising++
		}
	}
	steps := len(window) - 1
	if float64(rising)/float64(steps) <= leakRatio {
		return Anomaly{}, false
	}

	first, last := window[0].System.Memory, window[len(window)-1].System.Memory
	rate := (last - first) / float64(len(window))
	return Anomaly{
		Kind:     AnomalyMemoryLeak,
		Severity: SeverityCritical,
		Value:    last,
		Rate:     rate,
		Message:  fmt.Sprintf("memory rising in %d of %d samples (%.2f%%/sample)", rising, steps, rate),
	}, true
}

func errorSpike(history []Snapshot, th Thresholds) (Anomaly, bool) {
	if len(history) == 0 {
		return Anomaly{}, false
	}
	rate := history[len(history)-1].Metrics.ErrorRate
	if rate <= th.ErrorRate.Warning {
		return Anomaly{}, false
	}
	return Anomaly{
		Kind:     AnomalyErrorSpike,
		Severity: SeverityWarning,
		Value:    rate,
		Message:  fmt.Sprintf("error rate %.1f%% above %.1f%%", rate, th.ErrorRate.Warning),
	}, true
}
