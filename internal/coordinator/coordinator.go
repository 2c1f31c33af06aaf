// Package coordinator assegna i ruoli agente ai backend del pool ed esegue
// gli agenti per gruppi di priorità.
package coordinator

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sort"

	"github.com/biodoia/novelcorpus/internal/client"
	"github.com/biodoia/novelcorpus/internal/pool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Chiavi aggiunte al contesto di ogni agente
const (
	KeyBackend = "backend"
	KeyRole    = "role"
)

// AgentFunc esegue un ruolo sul proprio contesto.
// Il contesto è una copia: le modifiche non sono visibili agli altri ruoli.
type AgentFunc func(ctx context.Context, shared map[string]any) (any, error)

// Coordinator esegue gli agenti secondo la strategia scelta per il numero di backend
type Coordinator struct {
	sender   client.Sender
	strategy Strategy
	backends []string
}

// New crea un coordinator per count backend (limitato a [1,5]).
// I backend usati sono i primi count abilitati del pool in ordine di registrazione.
func New(p *pool.Pool, sender client.Sender, count int) *Coordinator {
	count = ClampBackends(count)

	var backends []string
	if p != nil {
		backends = p.EnabledNames()
		if len(backends) > count {
			backends = backends[:count]
		}
	}

	c := &Coordinator{
		sender:   sender,
		strategy: StrategyFor(count),
		backends: backends,
	}

	log.Info().
		Str("strategy", c.strategy.Name).
		Int("backends", count).
		Strs("backend_names", backends).
		Msg("Multi-agent coordinator configured")

	return c
}

// Strategy restituisce la strategia in uso
func (c *Coordinator) Strategy() Strategy {
	return c.strategy
}

// BackendFor restituisce il backend assegnato a un ruolo, "" se il ruolo
// non è nella strategia o il backend non esiste
func (c *Coordinator) BackendFor(role Role) string {
	a, ok := c.strategy.Assignment(role)
	if !ok || a.Backend >= len(c.backends) {
		return ""
	}
	return c.backends[a.Backend]
}

// ClientFor restituisce un sender che preferisce il backend assegnato al ruolo
func (c *Coordinator) ClientFor(role Role) client.Sender {
	name := c.BackendFor(role)
	if name == "" || c.sender == nil {
		return c.sender
	}
	return &pinnedSender{base: c.sender, backend: name}
}

type pinnedSender struct {
	base    client.Sender
	backend string
}

func (s *pinnedSender) Send(ctx context.Context, prompt string, opts ...client.Option) (string, error) {
	return s.base.Send(ctx, prompt, s.options(opts)...)
}

func (s *pinnedSender) Stream(ctx context.Context, prompt string, opts ...client.Option) iter.Seq2[string, error] {
	return s.base.Stream(ctx, prompt, s.options(opts)...)
}

func (s *pinnedSender) options(opts []client.Option) []client.Option {
	return append([]client.Option{client.WithBackend(s.backend)}, opts...)
}

// Execute esegue i ruoli richiesti per gruppi di priorità crescente.
// Un gruppo gira in parallelo solo se tutti i suoi membri lo consentono.
// Il risultato di ogni ruolo viene scritto in shared con chiave il nome del
// ruolo prima dei gruppi successivi. Un errore o un panic di un ruolo viene
// registrato come {"error": msg} senza fermare gli altri.
func (c *Coordinator) Execute(ctx context.Context, agents map[Role]AgentFunc, shared map[string]any) map[Role]any {
	if shared == nil {
		shared = make(map[string]any)
	}

	groups := make(map[int][]Assignment)
	for _, a := range c.strategy.Assignments {
		if _, ok := agents[a.Role]; ok {
			groups[a.Priority] = append(groups[a.Priority], a)
		}
	}

	priorities := make([]int, 0, len(groups))
	for p := range groups {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	results := make(map[Role]any, len(agents))
	for _, priority := range priorities {
		group := groups[priority]

		if len(group) > 1 && allParallel(group) {
			out := make([]any, len(group))
			var g errgroup.Group
			for i, a := range group {
				agentCtx := c.agentContext(shared, a.Role)
				g.Go(func() error {
					out[i] = c.run(ctx, a.Role, agents[a.Role], agentCtx)
					return nil
				})
			}
			_ = g.Wait()

			for i, a := range group {
				results[a.Role] = out[i]
				shared[string(a.Role)] = out[i]
			}
			continue
		}

		for _, a := range group {
			res := c.run(ctx, a.Role, agents[a.Role], c.agentContext(shared, a.Role))
			results[a.Role] = res
			shared[string(a.Role)] = res
		}
	}

	return results
}

func allParallel(group []Assignment) bool {
	for _, a := range group {
		if !a.Parallel {
			return false
		}
	}
	return true
}

func (c *Coordinator) agentContext(shared map[string]any, role Role) map[string]any {
	agentCtx := maps.Clone(shared)
	agentCtx[KeyBackend] = c.BackendFor(role)
	agentCtx[KeyRole] = string(role)
	return agentCtx
}

// run esegue un agente isolandone errori e panic
func (c *Coordinator) run(ctx context.Context, role Role, f AgentFunc, agentCtx map[string]any) (result any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("role", string(role)).Interface("panic", r).Msg("Agent panicked")
			result = map[string]any{"error": fmt.Sprintf("panic: %v", r)}
		}
	}()

	res, err := f(ctx, agentCtx)
	if err != nil {
		log.Error().Err(err).Str("role", string(role)).Msg("Agent failed")
		return map[string]any{"error": err.Error()}
	}
	return res
}

// AssignmentInfo è un'assegnazione con il nome del backend risolto
type AssignmentInfo struct {
	Assignment  `yaml:",inline"`
	BackendName string `json:"backend" yaml:"backend"`
}

// StrategyInfo descrive la strategia per il reporting
type StrategyInfo struct {
	StrategyName      string           `json:"strategy_name" yaml:"strategy_name"`
	Description       string           `json:"description" yaml:"description"`
	AvailableBackends int              `json:"available_backends" yaml:"available_backends"`
	BackendNames      []string         `json:"backend_names" yaml:"backend_names"`
	Assignments       []AssignmentInfo `json:"assignments" yaml:"assignments"`
}

// StrategyInfo restituisce la descrizione della strategia in uso
func (c *Coordinator) StrategyInfo() StrategyInfo {
	info := StrategyInfo{
		StrategyName:      c.strategy.Name,
		Description:       c.strategy.Description,
		AvailableBackends: c.strategy.Backends,
		BackendNames:      append([]string(nil), c.backends...),
		Assignments:       make([]AssignmentInfo, len(c.strategy.Assignments)),
	}
	for i, a := range c.strategy.Assignments {
		info.Assignments[i] = AssignmentInfo{Assignment: a, BackendName: c.BackendFor(a.Role)}
	}
	return info
}
