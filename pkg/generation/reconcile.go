package generation

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mergeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evaldb_merge_total",
		Help: "Transactions merged into the generation tree by outcome",
	}, []string{"outcome"})

	placeholderTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evaldb_placeholder_total",
		Help: "Placeholder generations synthesized for parents not seen yet",
	})
)

// Outcome is what a merge tells the head controller.
type Outcome struct {
	ID         ID
	Parent     ID
	IsError    bool
	IsReadonly bool
	Duplicate  bool // the generation was already evaluated
	Promoted   bool // a placeholder for the generation was filled in
}

// Reconciler folds transaction records into a Store. Merging is idempotent
// and order-independent with respect to the final Store contents, so it is
// safe to call from both the submit reply path and the feed.
type Reconciler struct {
	store *Store
	log   *slog.Logger
}

// NewReconciler creates a Reconciler over store.
func NewReconciler(store *Store, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, log: log.With("component", "reconciler")}
}

// Store returns the store merges are applied to.
func (r *Reconciler) Store() *Store { return r.store }

// MergeTransaction merges one record. It never fails: an erroring
// evaluation is merged like any other, and a repeated record is a no-op.
func (r *Reconciler) MergeTransaction(tx Transaction) Outcome {
	id, parent := tx.Result.ID, tx.Result.Parent
	out := Outcome{
		ID:         id,
		Parent:     parent,
		IsError:    tx.Result.Failed(),
		IsReadonly: tx.Query.Readonly,
	}

	if _, created := r.store.EnsureNode(parent); created {
		placeholderTotal.Inc()
		r.log.Debug("parent placeholder", "gen", id, "parent", parent)
	}

	switch r.store.Upsert(Evaluated(tx)) {
	case Unchanged:
		out.Duplicate = true
		mergeTotal.WithLabelValues("duplicate").Inc()
	case Promoted:
		out.Promoted = true
		mergeTotal.WithLabelValues("promoted").Inc()
	default:
		mergeTotal.WithLabelValues("new").Inc()
	}

	// root and self links would make the tree cyclic
	if id != RootID && id != parent {
		r.store.LinkChild(parent, id)
	}

	r.log.Debug("merged", "gen", id, "parent", parent, "error", out.IsError,
		"readonly", out.IsReadonly, "duplicate", out.Duplicate)
	return out
}
