package tree

import (
	"sort"

	"github.com/ammiranda/treeext/repository"
)

type opKind int

const (
	opInsert opKind = iota + 1
	opMove
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opMove:
		return "move"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// pendingOp is the state of one node within a unit of work.
type pendingOp struct {
	kind     opKind
	strategy Strategy
	move     Move
	seq      int
	// depth of the node's new position, used to order moves.
	depth int
}

// pendingQueue collects the tree operations of one session until the flush
// completes.
type pendingQueue struct {
	ops      map[*repository.Node]*pendingOp
	seq      int
	draining bool
	classes  map[string]bool
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{
		ops:     make(map[*repository.Node]*pendingOp),
		classes: make(map[string]bool),
	}
}

func (q *pendingQueue) empty() bool { return len(q.ops) == 0 }

func (q *pendingQueue) add(n *repository.Node, op *pendingOp) {
	q.seq++
	op.seq = q.seq
	q.ops[n] = op
	q.classes[op.strategy.Config().RootClass] = true
}

// insert records a new node. Nodes already tracked keep their state.
func (q *pendingQueue) insert(n *repository.Node, st Strategy) {
	if _, ok := q.ops[n]; ok {
		return
	}
	q.add(n, &pendingOp{kind: opInsert, strategy: st, move: Move{Node: n}})
}

// move records a reparent. A pending insert absorbs it, and a second move
// keeps the parent the node had when first moved.
func (q *pendingQueue) move(mv Move, st Strategy) bool {
	if cur, ok := q.ops[mv.Node]; ok {
		return cur.kind == opMove
	}
	q.add(mv.Node, &pendingOp{kind: opMove, strategy: st, move: mv})
	return true
}

// remove records a delete, which absorbs any earlier state.
func (q *pendingQueue) remove(n *repository.Node, st Strategy) {
	if cur, ok := q.ops[n]; ok {
		cur.kind = opDelete
		q.seq++
		cur.seq = q.seq
		return
	}
	q.add(n, &pendingOp{kind: opDelete, strategy: st, move: Move{Node: n}})
}

// ordered returns the operations in drain order: inserts in the order they
// were recorded, moves from shallow to deep new positions, then deletes.
func (q *pendingQueue) ordered() []*pendingOp {
	ops := make([]*pendingOp, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		if a.kind == opMove && a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.seq < b.seq
	})
	return ops
}

func (q *pendingQueue) touched() []string {
	out := make([]string, 0, len(q.classes))
	for c := range q.classes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
