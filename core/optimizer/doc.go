// Package optimizer assigns workloads to energy windows with a greedy,
// deadline-priority bin-packing heuristic. The result is deterministic and
// bounded to O(jobs x windows); it is not globally optimal.
package optimizer
