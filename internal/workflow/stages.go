package workflow

import (
	"context"
	"fmt"

	"github.com/biodoia/novelcorpus/internal/coordinator"
	"github.com/biodoia/novelcorpus/internal/topology"
)

// CoordinatedStage crea uno stadio che esegue gli agenti tramite il coordinatore.
// Lo stato condiviso parte dall'output dello stadio precedente e dalla
// configurazione dello stadio; l'output contiene un risultato per ruolo.
func CoordinatedStage(c *coordinator.Coordinator, agents map[coordinator.Role]coordinator.AgentFunc) StageFunc {
	return func(ctx context.Context, in StageInput) (map[string]any, error) {
		shared := make(map[string]any, len(in.Previous)+len(in.Config)+3)
		for k, v := range in.Previous {
			shared[k] = v
		}
		for k, v := range in.Config {
			shared[k] = v
		}
		shared["workflow_id"] = in.WorkflowID.String()
		shared["project_id"] = in.ProjectID
		if in.ParentCardID != "" {
			shared["parent_card_id"] = in.ParentCardID
		}

		results := c.Execute(ctx, agents, shared)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out := make(map[string]any, len(results))
		for role, res := range results {
			out[string(role)] = res
		}
		return out, nil
	}
}

// TopologyStage crea uno stadio che elabora un lotto con il manager di topologia.
// Gli elementi sono letti dalla chiave itemsKey dell'output precedente o,
// in mancanza, della configurazione dello stadio. L'output contiene
// "results" in ordine di input e il conteggio dei fallimenti.
func TopologyStage(m *topology.Manager, plan topology.Plan, itemsKey string) StageFunc {
	return func(ctx context.Context, in StageInput) (map[string]any, error) {
		raw, ok := in.Previous[itemsKey]
		if !ok {
			raw, ok = in.Config[itemsKey]
		}
		if !ok {
			return nil, fmt.Errorf("no %q items for stage %s", itemsKey, in.Stage)
		}

		items, err := toItems(raw)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", in.Stage, err)
		}

		results, err := m.Run(ctx, plan, items)
		if err != nil {
			return nil, err
		}

		values := make([]any, len(results))
		failed := 0
		for _, r := range results {
			values[r.Index] = map[string]any(r.Value)
			if r.Failed() {
				failed++
			}
		}

		return map[string]any{
			"topology": string(m.Mode()),
			"results":  values,
			"failed":   failed,
		}, nil
	}
}

// toItems converte gli elementi decodificati da JSON o passati in configurazione
func toItems(raw any) ([]topology.Item, error) {
	switch v := raw.(type) {
	case []topology.Item:
		return v, nil
	case []map[string]any:
		items := make([]topology.Item, len(v))
		for i, m := range v {
			items[i] = m
		}
		return items, nil
	case []any:
		items := make([]topology.Item, len(v))
		for i, e := range v {
			switch x := e.(type) {
			case map[string]any:
				items[i] = x
			case topology.Item:
				items[i] = x
			case string:
				items[i] = topology.Item{"text": x}
			default:
				return nil, fmt.Errorf("item %d has unsupported type %T", i, e)
			}
		}
		return items, nil
	case []string:
		items := make([]topology.Item, len(v))
		for i, s := range v {
			items[i] = topology.Item{"text": s}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("items have unsupported type %T", raw)
	}
}
