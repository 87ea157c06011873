package planner

import (
	"sort"
	"strings"
)

// clusterPaths groups valid paths by the signature of their first
// prefixLen action IDs. Every path lands in exactly one cluster, so
// member probabilities sum without double counting.
func clusterPaths(paths []Path, prefixLen int) []Cluster {
	if len(paths) == 0 {
		return nil
	}
	if prefixLen <= 0 {
		prefixLen = 1
	}

	groups := map[string][]Path{}
	order := []string{}
	for _, path := range paths {
		sig := prefixSignature(path, prefixLen)
		if _, ok := groups[sig]; !ok {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], path)
	}
	sort.Strings(order)

	clusters := make([]Cluster, 0, len(groups))
	for _, sig := range order {
		clusters = append(clusters, buildCluster(sig, groups[sig]))
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].AggregatedProbability != clusters[j].AggregatedProbability {
			return clusters[i].AggregatedProbability > clusters[j].AggregatedProbability
		}
		return clusters[i].ID < clusters[j].ID
	})
	return clusters
}

func prefixSignature(path Path, prefixLen int) string {
	n := prefixLen
	if n > len(path.Steps) {
		n = len(path.Steps)
	}
	ids := make([]string, 0, n)
	for _, step := range path.Steps[:n] {
		ids = append(ids, step.ActionID)
	}
	return strings.Join(ids, ">")
}

func buildCluster(sig string, members []Path) Cluster {
	rep := members[0]
	sum := 0.0
	utilMin := members[0].TotalUtility
	utilMax := members[0].TotalUtility
	utilSum := 0.0
	depth := 0
	canExpand := false
	for _, m := range members {
		sum += m.PathProbability
		utilSum += m.TotalUtility
		if m.TotalUtility < utilMin {
			utilMin = m.TotalUtility
		}
		if m.TotalUtility > utilMax {
			utilMax = m.TotalUtility
		}
		if len(m.Steps) > depth {
			depth = len(m.Steps)
		}
		if m.Truncated {
			canExpand = true
		}
		if m.PathProbability > rep.PathProbability ||
			(m.PathProbability == rep.PathProbability && m.TotalUtility > rep.TotalUtility) {
			rep = m
		}
	}
	if sum > 1 {
		sum = 1
	}
	return Cluster{
		ID:                    sig,
		RepresentativePath:    rep,
		ChildPaths:            members,
		AggregatedProbability: sum,
		AvgUtility:            utilSum / float64(len(members)),
		UtilityMin:            utilMin,
		UtilityMax:            utilMax,
		ExpansionDepth:        depth,
		CanExpand:             canExpand,
	}
}
