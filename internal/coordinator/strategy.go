package coordinator

import (
	"fmt"
	"strings"
)

// Role è un ruolo agente
type Role string

const (
	RoleReader    Role = "reader"
	RoleAnalyst   Role = "analyst"
	RolePlanner   Role = "planner"
	RoleWriter    Role = "writer"
	RoleCritic    Role = "critic"
	RoleExtractor Role = "extractor"
	RoleStylist   Role = "stylist"
	RoleArchivist Role = "archivist"
)

// Roles restituisce i ruoli nell'ordine di tabella
func Roles() []Role {
	roles := make([]Role, len(roleRules))
	for i, r := range roleRules {
		roles[i] = r.role
	}
	return roles
}

// ParseRole converte una stringa in Role
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, rule := range roleRules {
		if rule.role == r {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown agent role %q", s)
}

// Assignment assegna un ruolo a un backend
type Assignment struct {
	Role     Role `json:"role" yaml:"role"`
	Backend  int  `json:"backend_index" yaml:"backend_index"`
	Priority int  `json:"priority" yaml:"priority"`
	Parallel bool `json:"parallel" yaml:"parallel"`
}

// Strategy è la tabella di assegnazione per un numero di backend
type Strategy struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Backends    int          `json:"backends" yaml:"backends"`
	Assignments []Assignment `json:"assignments" yaml:"assignments"`
}

// Assignment restituisce l'assegnazione di un ruolo
func (s Strategy) Assignment(role Role) (Assignment, bool) {
	for _, a := range s.Assignments {
		if a.Role == role {
			return a, true
		}
	}
	return Assignment{}, false
}

// Tier di esecuzione prima della rinumerazione
const (
	tierGather = iota + 1
	tierPlan
	tierWrite
	tierReview
	tierArchive
)

// roleRule descrive come un ruolo entra nelle strategie
type roleRule struct {
	role Role

	// minBackends numero minimo di backend perché il ruolo sia attivo
	minBackends int

	tier int

	// parallel riporta se il ruolo può girare in parallelo con n backend (n >= 2)
	parallel func(n int) bool
}

func always(int) bool { return true }
func never(int) bool  { return false }

func atLeast(k int) func(int) bool {
	return func(n int) bool { return n >= k }
}

// roleRules è la tabella dei ruoli in ordine di assegnazione dei backend
var roleRules = []roleRule{
	{role: RoleReader, minBackends: 1, tier: tierGather, parallel: always},
	{role: RoleAnalyst, minBackends: 1, tier: tierGather, parallel: always},
	{role: RoleExtractor, minBackends: 3, tier: tierGather, parallel: always},
	{role: RolePlanner, minBackends: 1, tier: tierPlan, parallel: atLeast(4)},
	{role: RoleWriter, minBackends: 1, tier: tierWrite, parallel: never},
	{role: RoleStylist, minBackends: 3, tier: tierWrite, parallel: always},
	{role: RoleCritic, minBackends: 1, tier: tierReview, parallel: atLeast(5)},
	{role: RoleArchivist, minBackends: 4, tier: tierArchive, parallel: never},
}

var strategyNames = map[int][2]string{
	1: {"single-backend serial", "All agents run serially sharing one backend"},
	2: {"dual-backend parallel", "Core agents run in parallel, support agents serially"},
	3: {"triangular", "Analysis, planning and writing collaborate in a triangle; the critic runs serially"},
	4: {"four-backend collaborative", "Multi-stage parallelism with an independent quality review"},
	5: {"swarm", "Full parallelism for maximum throughput"},
}

// ClampBackends limita il numero di backend a [1,5]
func ClampBackends(n int) int {
	return min(max(n, 1), 5)
}

// StrategyFor deriva la strategia per n backend (limitato a [1,5]).
//
// I ruoli attivi ricevono i backend a rotazione nell'ordine di tabella.
// Con un solo backend tutto è seriale, un ruolo per priorità. Altrimenti
// la priorità viene dal tier: il planner si unisce alla raccolta da 4
// backend in su, e i tier vuoti vengono compattati.
func StrategyFor(n int) Strategy {
	n = ClampBackends(n)

	var active []roleRule
	for _, r := range roleRules {
		if n >= r.minBackends {
			active = append(active, r)
		}
	}

	tiers := make([]int, len(active))
	for i, r := range active {
		tiers[i] = r.tier
		if r.tier == tierPlan && n >= 4 {
			tiers[i] = tierGather
		}
	}
	dense := denseRanks(tiers)

	assignments := make([]Assignment, len(active))
	for i, r := range active {
		a := Assignment{Role: r.role, Backend: i % n}
		if n == 1 {
			a.Priority = i + 1
		} else {
			a.Priority = dense[i]
			a.Parallel = r.parallel(n)
		}
		assignments[i] = a
	}

	names := strategyNames[n]
	return Strategy{
		Name:        names[0],
		Description: names[1],
		Backends:    n,
		Assignments: assignments,
	}
}

// denseRanks rinumera i valori come 1..k preservandone l'ordine
func denseRanks(values []int) []int {
	seen := make(map[int]bool)
	for _, v := range values {
		seen[v] = true
	}

	ranks := make([]int, len(values))
	for i, v := range values {
		rank := 1
		for u := range seen {
			if u < v {
				rank++
			}
		}
		ranks[i] = rank
	}
	return ranks
}
