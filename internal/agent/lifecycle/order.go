package lifecycle

import "container/heap"

// startNode is one agent in the start plan.
type startNode struct {
	id       string
	priority int
	seq      int // registration order
	deps     []string
}

// readyHeap orders startable agents: higher priority first, then earlier
// registration.
type readyHeap []*startNode

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*startNode)) }

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// startOrder returns ids so that every agent comes after the managed agents
// it depends on. Dependencies outside the set are ignored and reported in
// unknown. Agents caught in a cycle are appended in priority order and
// reported in cyclic.
func startOrder(nodes []*startNode) (order []string, unknown map[string][]string, cyclic []string) {
	byID := make(map[string]*startNode, len(nodes))
	for _, n := range nodes {
		byID[n.id] = n
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]*startNode, len(nodes))
	unknown = make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range n.deps {
			if _, ok := byID[dep]; !ok {
				unknown[n.id] = append(unknown[n.id], dep)
				continue
			}
			indegree[n.id]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	ready := &readyHeap{}
	for _, n := range nodes {
		if indegree[n.id] == 0 {
			heap.Push(ready, n)
		}
	}

	done := make(map[string]bool, len(nodes))
	order = make([]string, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*startNode)
		order = append(order, n.id)
		done[n.id] = true
		for _, d := range dependents[n.id] {
			indegree[d.id]--
			if indegree[d.id] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	if len(order) < len(nodes) {
		rest := &readyHeap{}
		for _, n := range nodes {
			if !done[n.id] {
				heap.Push(rest, n)
			}
		}
		for rest.Len() > 0 {
			n := heap.Pop(rest).(*startNode)
			order = append(order, n.id)
			cyclic = append(cyclic, n.id)
		}
	}
	return order, unknown, cyclic
}
