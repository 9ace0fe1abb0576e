package roundtable

import (
	"fmt"
	"sort"
)

// RoundRobin lets every persona speak once per round, rotating who opens.
type RoundRobin struct{}

// Order implements OrderingPolicy.
func (RoundRobin) Order(round int, personas []PersonaProfile) []PersonaProfile {
	n := len(personas)
	if n == 0 {
		return nil
	}
	start := (round - 1) % n
	if start < 0 {
		start = 0
	}
	out := make([]PersonaProfile, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, personas[(start+i)%n])
	}
	return out
}

// LeadershipBiased puts dominant personas first. With ExtraLeaderTurn, each
// leader also closes the round with a second turn.
type LeadershipBiased struct {
	ExtraLeaderTurn bool
}

// Order implements OrderingPolicy.
func (p LeadershipBiased) Order(round int, personas []PersonaProfile) []PersonaProfile {
	out := append([]PersonaProfile(nil), personas...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Leadership.Rank() < out[j].Leadership.Rank()
	})
	if p.ExtraLeaderTurn && len(out) > 1 {
		for _, per := range out {
			if per.Leadership == Leader && out[len(out)-1].ID != per.ID {
				out = append(out, per)
			}
		}
	}
	return out
}

// PolicyByName selects an ordering policy from configuration.
func PolicyByName(name string, extraLeaderTurn bool) (OrderingPolicy, error) {
	switch name {
	case "", "round-robin":
		return RoundRobin{}, nil
	case "leadership":
		return LeadershipBiased{ExtraLeaderTurn: extraLeaderTurn}, nil
	default:
		return nil, fmt.Errorf("roundtable: unknown ordering policy %q", name)
	}
}
