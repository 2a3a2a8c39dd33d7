package partition

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/unixpickle/basinsched/topology"
)

// ByUpDownOrder groups nodes by up-down order modulo
// workers.
func ByUpDownOrder(workers int) GroupFunc {
	return func(n *topology.Node) (int, error) {
		return n.UpDownOrder % workers, nil
	}
}

// ByDownUpOrder groups nodes by down-up order modulo
// workers.
func ByDownUpOrder(workers int) GroupFunc {
	return func(n *topology.Node) (int, error) {
		return n.DownUpOrder % workers, nil
	}
}

// ByRecordGroup uses group indices computed outside this
// program (for example by a METIS run) and stored on the
// records under method and the worker count.
func ByRecordGroup(method string, workers int) GroupFunc {
	return func(n *topology.Node) (int, error) {
		if group, ok := n.Groups[method][workers]; ok {
			return group, nil
		}
		return 0, eris.Errorf("subbasin %d has no %s group for %d workers", n.ID, method, workers)
	}
}

// ByMap uses an explicit id to group assignment.
func ByMap(groups map[int]int) GroupFunc {
	return func(n *topology.Node) (int, error) {
		if group, ok := groups[n.ID]; ok {
			return group, nil
		}
		return 0, eris.Errorf("subbasin %d is not assigned", n.ID)
	}
}

// RoundRobin groups nodes by id modulo workers.
func RoundRobin(workers int) GroupFunc {
	return func(n *topology.Node) (int, error) {
		return n.ID % workers, nil
	}
}

// Strategy resolves a policy name into a GroupFunc.
//
// Recognized names are "up-down", "down-up", "round-robin",
// "hash" and "record:<method>".
func Strategy(name string, workers int) (GroupFunc, error) {
	if method, ok := strings.CutPrefix(name, "record:"); ok && method != "" {
		return ByRecordGroup(method, workers), nil
	}
	switch name {
	case "up-down":
		return ByUpDownOrder(workers), nil
	case "down-up":
		return ByDownUpOrder(workers), nil
	case "round-robin":
		return RoundRobin(workers), nil
	case "hash":
		return ByConsistentHash(workers), nil
	}
	return nil, eris.Errorf("unknown grouping policy %q", name)
}
