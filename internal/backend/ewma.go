package backend

// ewmaUpdate folds a new latency sample into an exponential weighted
// moving average, the same smoothing shape as the gateway's
// routing.ProviderHealth.ewmaLatencyMs (routing/sla_balancer.go):
// first sample seeds the average directly, subsequent samples blend
// at alpha.
func ewmaUpdate(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}
