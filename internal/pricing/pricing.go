// Package pricing values completed agent work as the human time it
// replaced.
package pricing

import (
	"math"
	"sync"
	"time"

	"github.com/basket/claw-office/internal/config"
)

// Estimator turns a task's wall time into USD saved. Rates are per agent
// with a shared default; Reload swaps them atomically.
type Estimator struct {
	mu          sync.RWMutex
	rates       map[string]float64
	defaultRate float64
	factor      float64
}

func NewEstimator(cfg config.Config) *Estimator {
	e := &Estimator{}
	e.Reload(cfg)
	return e
}

func (e *Estimator) Reload(cfg config.Config) {
	rates := make(map[string]float64, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.HourlyRate > 0 {
			rates[a.ID] = a.HourlyRate
		}
	}
	factor := cfg.Savings.HumanFactor
	if factor <= 0 {
		factor = 1
	}
	e.mu.Lock()
	e.rates = rates
	e.defaultRate = max(cfg.Savings.DefaultHourlyRate, 0)
	e.factor = factor
	e.mu.Unlock()
}

// Rate is the hourly rate applied to agentID.
func (e *Estimator) Rate(agentID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.rates[agentID]; ok {
		return r
	}
	return e.defaultRate
}

// Estimate returns the saving for one task, rounded to cents.
func (e *Estimator) Estimate(agentID string, taskTime time.Duration) float64 {
	if taskTime <= 0 {
		return 0
	}
	rate := e.Rate(agentID)
	e.mu.RLock()
	factor := e.factor
	e.mu.RUnlock()
	usd := taskTime.Hours() * factor * rate
	return math.Round(usd*100) / 100
}
