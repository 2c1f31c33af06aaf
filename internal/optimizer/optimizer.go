// Package optimizer offre politiche alternative di selezione dei backend
// basate su costo, latenza e tasso di successo.
package optimizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/rs/zerolog/log"
)

// Policy è una politica di selezione
type Policy string

const (
	PolicyCost     Policy = "cost"
	PolicySpeed    Policy = "speed"
	PolicyQuality  Policy = "quality"
	PolicyBalanced Policy = "balanced"
)

// Policies restituisce tutte le politiche supportate
func Policies() []Policy {
	return []Policy{PolicyCost, PolicySpeed, PolicyQuality, PolicyBalanced}
}

// ParsePolicy converte una stringa in Policy
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyCost, PolicySpeed, PolicyQuality, PolicyBalanced:
		return p, nil
	case "":
		return PolicyBalanced, nil
	}
	return "", fmt.Errorf("unknown optimizer policy %q", s)
}

// Weights sono i pesi della politica balanced
type Weights struct {
	Cost    float64 `json:"cost"`
	Speed   float64 `json:"speed"`
	Quality float64 `json:"quality"`
}

// DefaultWeights restituisce i pesi di default: costo 30%, velocità 40%, qualità 30%
func DefaultWeights() Weights {
	return Weights{Cost: 0.3, Speed: 0.4, Quality: 0.3}
}

// Score rappresenta la valutazione di un backend per una richiesta
type Score struct {
	Backend string `json:"backend"`

	// Scores individuali normalizzati (0-1)
	CostScore    float64 `json:"cost_score"`
	SpeedScore   float64 `json:"speed_score"`
	QualityScore float64 `json:"quality_score"`

	// Score composito pesato
	TotalScore float64 `json:"total_score"`

	EstimatedCost float64       `json:"estimated_cost"`
	AvgLatency    time.Duration `json:"avg_latency"`
	SuccessRate   float64       `json:"success_rate"`
	HasStats      bool          `json:"has_stats"`
}

// Optimizer è un decoratore del pool che ordina i candidati secondo una politica
type Optimizer struct {
	pool *pool.Pool

	mu      sync.RWMutex
	policy  Policy
	weights Weights
}

// New crea un optimizer
func New(p *pool.Pool, policy Policy) *Optimizer {
	if policy == "" {
		policy = PolicyBalanced
	}

	log.Info().Str("policy", string(policy)).Msg("API optimizer configured")

	return &Optimizer{
		pool:    p,
		policy:  policy,
		weights: DefaultWeights(),
	}
}

// Policy restituisce la politica corrente
func (o *Optimizer) Policy() Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.policy
}

// SetPolicy cambia la politica corrente
func (o *Optimizer) SetPolicy(policy Policy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.policy = policy
}

// SetWeights cambia i pesi della politica balanced; vengono normalizzati a somma 1
func (o *Optimizer) SetWeights(w Weights) {
	total := w.Cost + w.Speed + w.Quality
	if total <= 0 {
		return
	}
	w.Cost /= total
	w.Speed /= total
	w.Quality /= total

	o.mu.Lock()
	defer o.mu.Unlock()
	o.weights = w
}

// Rank restituisce l'ordinamento della politica corrente per tokens token stimati
func (o *Optimizer) Rank(tokens int) pool.RankFunc {
	return o.RankWith(o.Policy(), tokens)
}

// RankWith restituisce l'ordinamento di una politica specifica.
// Senza statistiche l'ordine di priorità dei candidati resta invariato.
func (o *Optimizer) RankWith(policy Policy, tokens int) pool.RankFunc {
	o.mu.RLock()
	weights := o.weights
	o.mu.RUnlock()

	return func(cands []pool.Candidate) []pool.Candidate {
		scores := score(cands, tokens, weights)
		idx := make([]int, len(cands))
		for i := range idx {
			idx[i] = i
		}

		sort.SliceStable(idx, func(a, b int) bool {
			return less(policy, scores[idx[a]], scores[idx[b]])
		})

		out := make([]pool.Candidate, len(cands))
		for i, j := range idx {
			out[i] = cands[j]
		}
		return out
	}
}

// less riporta se a precede b secondo la politica
func less(policy Policy, a, b Score) bool {
	switch policy {
	case PolicyCost:
		return a.EstimatedCost < b.EstimatedCost
	case PolicySpeed:
		if a.HasStats != b.HasStats {
			return a.HasStats
		}
		return a.HasStats && a.AvgLatency < b.AvgLatency
	case PolicyQuality:
		if a.HasStats != b.HasStats {
			return a.HasStats
		}
		return a.HasStats && a.SuccessRate > b.SuccessRate
	default:
		return a.TotalScore > b.TotalScore
	}
}

// score calcola gli score normalizzati min-max sui candidati
func score(cands []pool.Candidate, tokens int, w Weights) []Score {
	scores := make([]Score, len(cands))

	var (
		minCost, maxCost float64
		minLat, maxLat   time.Duration
		seenLat          bool
	)
	for i, c := range cands {
		s := Score{
			Backend:       c.Name,
			EstimatedCost: c.Config.Cost(tokens),
			AvgLatency:    c.Stats.AvgResponseTime,
			SuccessRate:   c.Stats.SuccessRate(),
			HasStats:      c.Stats.TotalRequests > 0,
		}
		scores[i] = s

		if i == 0 || s.EstimatedCost < minCost {
			minCost = s.EstimatedCost
		}
		if i == 0 || s.EstimatedCost > maxCost {
			maxCost = s.EstimatedCost
		}
		if s.HasStats {
			if !seenLat || s.AvgLatency < minLat {
				minLat = s.AvgLatency
			}
			if !seenLat || s.AvgLatency > maxLat {
				maxLat = s.AvgLatency
			}
			seenLat = true
		}
	}

	for i := range scores {
		s := &scores[i]

		s.CostScore = 1
		if maxCost > minCost {
			s.CostScore = (maxCost - s.EstimatedCost) / (maxCost - minCost)
		}

		s.SpeedScore = 1
		s.QualityScore = 1
		if s.HasStats {
			if maxLat > minLat {
				s.SpeedScore = float64(maxLat-s.AvgLatency) / float64(maxLat-minLat)
			}
			s.QualityScore = s.SuccessRate
		}

		s.TotalScore = s.CostScore*w.Cost + s.SpeedScore*w.Speed + s.QualityScore*w.Quality
	}

	return scores
}

// Scores restituisce gli score dei backend disponibili in ordine di priorità
func (o *Optimizer) Scores(tokens int, f pool.Filter) []Score {
	o.mu.RLock()
	weights := o.weights
	o.mu.RUnlock()

	return score(o.pool.Candidates(f), tokens, weights)
}

// Select restituisce il backend migliore secondo la politica corrente senza
// consumare il rate limit; "" se nessuno è disponibile
func (o *Optimizer) Select(tokens int, f pool.Filter) string {
	f.Rank = o.Rank(tokens)
	available := o.pool.Available(f)
	if len(available) == 0 {
		return ""
	}
	return available[0]
}

// Report riassume le raccomandazioni per ogni politica
type Report struct {
	Policy          Policy            `json:"policy" yaml:"policy"`
	Weights         Weights           `json:"weights" yaml:"weights"`
	Tokens          int               `json:"tokens" yaml:"tokens"`
	Available       int               `json:"available" yaml:"available"`
	Recommendations map[Policy]string `json:"recommendations" yaml:"recommendations"`
}

// Report restituisce il backend raccomandato da ciascuna politica per tokens token
func (o *Optimizer) Report(tokens int) Report {
	o.mu.RLock()
	r := Report{
		Policy:          o.policy,
		Weights:         o.weights,
		Tokens:          tokens,
		Recommendations: make(map[Policy]string),
	}
	o.mu.RUnlock()

	r.Available = len(o.pool.Available(pool.Filter{}))
	if r.Available == 0 {
		return r
	}

	for _, policy := range Policies() {
		available := o.pool.Available(pool.Filter{Rank: o.RankWith(policy, tokens)})
		if len(available) > 0 {
			r.Recommendations[policy] = available[0]
		}
	}
	return r
}
