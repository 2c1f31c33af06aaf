// Package topology esegue un lotto di elementi secondo tre topologie:
// lineare, a pipeline triangolare e a sciame di esperti.
package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrInvalidPlan è restituito quando al piano mancano le funzioni richieste dal modo
var ErrInvalidPlan = errors.New("invalid topology plan")

// Mode è una topologia di esecuzione
type Mode string

const (
	ModeLinear     Mode = "linear"
	ModeTriangular Mode = "triangular"
	ModeSwarm      Mode = "swarm"
	ModeAuto       Mode = "auto"
)

// ParseMode converte una stringa in Mode
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeLinear, ModeTriangular, ModeSwarm, ModeAuto:
		return m, nil
	case "":
		return ModeAuto, nil
	}
	return "", fmt.Errorf("unknown topology mode %q", s)
}

// ModeFor deriva la topologia dal numero di backend disponibili
func ModeFor(backends int) Mode {
	switch {
	case backends >= 5:
		return ModeSwarm
	case backends >= 3:
		return ModeTriangular
	default:
		return ModeLinear
	}
}

// Item è un elemento di lavoro
type Item map[string]any

// Func elabora un elemento
type Func func(ctx context.Context, item Item) (Item, error)

// Plan contiene le funzioni usate dai modi.
// LINEAR usa Pipeline; TRIANGULAR usa Scan, Extract e Keep;
// SWARM usa PrePass (opzionale) ed Experts.
type Plan struct {
	Pipeline Func

	Scan    Func
	Extract Func
	Keep    Func

	PrePass Func
	Experts map[string]Func
}

// Validate verifica che il piano contenga le funzioni del modo
func (p Plan) Validate(mode Mode) error {
	switch mode {
	case ModeLinear:
		if p.Pipeline == nil {
			return fmt.Errorf("%w: linear mode needs a pipeline", ErrInvalidPlan)
		}
	case ModeTriangular:
		if p.Scan == nil || p.Extract == nil || p.Keep == nil {
			return fmt.Errorf("%w: triangular mode needs scan, extract and keep", ErrInvalidPlan)
		}
	case ModeSwarm:
		if len(p.Experts) == 0 {
			return fmt.Errorf("%w: swarm mode needs at least one expert", ErrInvalidPlan)
		}
		for name, f := range p.Experts {
			if f == nil {
				return fmt.Errorf("%w: expert %q is nil", ErrInvalidPlan, name)
			}
		}
	default:
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidPlan, mode)
	}
	return nil
}

// Result è l'esito di un elemento. Un elemento fallito ha Err valorizzato
// e Value con la chiave "error".
type Result struct {
	// Index posizione dell'elemento nell'input
	Index int `json:"index"`

	// Seq ordine di completamento; coincide con Index tranne che in TRIANGULAR
	Seq int `json:"seq"`

	Value Item  `json:"value"`
	Err   error `json:"-"`
}

// Failed riporta se l'elemento è fallito
func (r Result) Failed() bool {
	return r.Err != nil
}

// Options configura il manager
type Options struct {
	// QueueSize capacità delle code tra gli stadi TRIANGULAR (default 16)
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`

	// Concurrency limite di elementi concorrenti in SWARM; zero significa nessun limite
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// Manager esegue i lotti nella topologia selezionata
type Manager struct {
	mode     Mode
	backends int
	opts     Options
}

// New crea un manager. ModeAuto viene risolto con ModeFor(backends).
func New(mode Mode, backends int, opts Options) *Manager {
	if mode == "" || mode == ModeAuto {
		mode = ModeFor(backends)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Concurrency < 0 {
		opts.Concurrency = 0
	}

	log.Info().
		Str("mode", string(mode)).
		Int("backends", backends).
		Msg("Topology selected")

	return &Manager{mode: mode, backends: backends, opts: opts}
}

// Mode restituisce la topologia selezionata
func (m *Manager) Mode() Mode {
	return m.mode
}

// Run elabora gli elementi e restituisce un risultato per elemento,
// nell'ordine dell'input. Gli errori dei singoli elementi sono nei risultati;
// Run fallisce solo per un piano non valido.
func (m *Manager) Run(ctx context.Context, plan Plan, items []Item) ([]Result, error) {
	if err := plan.Validate(m.mode); err != nil {
		return nil, err
	}

	var results []Result
	switch m.mode {
	case ModeLinear:
		results = m.runLinear(ctx, plan, items)
	case ModeTriangular:
		results = m.runTriangular(ctx, plan, items)
	case ModeSwarm:
		results = m.runSwarm(ctx, plan, items)
	}

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	log.Info().
		Str("mode", string(m.mode)).
		Int("items", len(items)).
		Int("failed", failed).
		Msg("Topology run completed")

	return results, nil
}

// call esegue f isolando errori e panic
func call(ctx context.Context, f Func, item Item) (out Item, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return f(ctx, item)
}

func failure(index, seq int, err error) Result {
	return Result{
		Index: index,
		Seq:   seq,
		Value: Item{"error": err.Error()},
		Err:   err,
	}
}
