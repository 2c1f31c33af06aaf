package topology

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func (m *Manager) runLinear(ctx context.Context, plan Plan, items []Item) []Result {
	results := make([]Result, len(items))
	for i, item := range items {
		out, err := call(ctx, plan.Pipeline, item)
		if err != nil {
			log.Warn().Err(err).Int("item", i).Msg("Linear item failed")
			results[i] = failure(i, i, err)
			continue
		}
		results[i] = Result{Index: i, Seq: i, Value: out}
	}
	return results
}

// envelope trasporta un elemento tra gli stadi triangolari
type envelope struct {
	index int
	item  Item
	err   error
}

// runTriangular collega scan, extract e keep con code limitate.
// La chiusura del canale è il segnale di fine flusso; un elemento fallito
// attraversa gli stadi successivi senza essere elaborato.
func (m *Manager) runTriangular(ctx context.Context, plan Plan, items []Item) []Result {
	scanned := make(chan envelope, m.opts.QueueSize)
	extracted := make(chan envelope, m.opts.QueueSize)
	results := make([]Result, len(items))

	stage := func(name string, f Func, in <-chan envelope, out chan<- envelope) {
		defer close(out)
		for env := range in {
			if env.err == nil {
				env.item, env.err = call(ctx, f, env.item)
				if env.err != nil {
					env.err = fmt.Errorf("%s: %w", name, env.err)
				}
			}
			out <- env
		}
	}

	source := make(chan envelope)
	go func() {
		defer close(source)
		for i, item := range items {
			source <- envelope{index: i, item: item}
		}
	}()

	go stage("scan", plan.Scan, source, scanned)
	go stage("extract", plan.Extract, scanned, extracted)

	seq := 0
	for env := range extracted {
		if env.err == nil {
			env.item, env.err = call(ctx, plan.Keep, env.item)
			if env.err != nil {
				env.err = fmt.Errorf("keep: %w", env.err)
			}
		}

		if env.err != nil {
			log.Warn().Err(env.err).Int("item", env.index).Msg("Triangular item failed")
			results[env.index] = failure(env.index, seq, env.err)
		} else {
			results[env.index] = Result{Index: env.index, Seq: seq, Value: env.item}
		}
		seq++
	}

	return results
}

// runSwarm esegue il pre-pass su tutti gli elementi, poi per ogni elemento
// tutti gli esperti in parallelo, unendo i loro output in un unico record
func (m *Manager) runSwarm(ctx context.Context, plan Plan, items []Item) []Result {
	prepared := make([]Item, len(items))
	errs := make([]error, len(items))

	g := new(errgroup.Group)
	if m.opts.Concurrency > 0 {
		g.SetLimit(m.opts.Concurrency)
	}

	if plan.PrePass != nil {
		for i, item := range items {
			g.Go(func() error {
				prepared[i], errs[i] = call(ctx, plan.PrePass, item)
				if errs[i] != nil {
					errs[i] = fmt.Errorf("pre-pass: %w", errs[i])
				}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		copy(prepared, items)
	}

	names := slices.Sorted(maps.Keys(plan.Experts))
	results := make([]Result, len(items))

	for i := range items {
		if errs[i] != nil {
			continue
		}
		g.Go(func() error {
			results[i] = m.runExperts(ctx, plan, names, i, prepared[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			log.Warn().Err(err).Int("item", i).Msg("Swarm item failed")
			results[i] = failure(i, i, err)
		}
	}

	return results
}

// runExperts esegue gli esperti su un elemento. Gli output vengono uniti
// in ordine di nome; un esperto fallito non scarta gli altri output.
func (m *Manager) runExperts(ctx context.Context, plan Plan, names []string, index int, item Item) Result {
	outputs := make([]Item, len(names))
	errs := make([]error, len(names))

	var g errgroup.Group
	for j, name := range names {
		// ogni esperto riceve una copia, l'elemento è condiviso tra goroutine
		own := maps.Clone(item)
		g.Go(func() error {
			outputs[j], errs[j] = call(ctx, plan.Experts[name], own)
			if errs[j] != nil {
				errs[j] = fmt.Errorf("expert %s: %w", name, errs[j])
			}
			return nil
		})
	}
	_ = g.Wait()

	merged := make(Item)
	for _, out := range outputs {
		maps.Copy(merged, out)
	}

	res := Result{Index: index, Seq: index, Value: merged}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Int("item", index).Msg("Swarm expert failed")
		merged["error"] = err.Error()
		res.Err = err
	}
	return res
}
