package service

import (
	"go.uber.org/zap"

	clustererrors "github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/model"
	"github.com/devrev/ringkv/internal/ring"
)

// Planner computes the transfers that keep every range stored on its
// coordinator and the coordinator's R successors across a ring mutation.
// It applies the mutation to the ring it is given and never touches storage.
type Planner struct {
	logger *zap.Logger
}

// NewPlanner creates a new planner
func NewPlanner(logger *zap.Logger) *Planner {
	return &Planner{logger: logger}
}

// PlanAdd inserts n into r and returns the plans that populate n and trim
// the nodes whose stored window shrank. On error r is unchanged.
func (p *Planner) PlanAdd(r *ring.HashRing, n ring.Node) ([]model.TransferPlan, error) {
	if r.Size() == 0 {
		return nil, r.AddNode(n)
	}

	// Capture the old owner's view before the split
	owner, err := r.NodeByKey(n.Hash())
	if err != nil {
		return nil, err
	}
	old := r.Clone()
	oldOwnerStored, err := old.StoredRange(owner)
	if err != nil {
		return nil, err
	}
	oldReplicas, err := old.ReplicationNodes(owner)
	if err != nil {
		return nil, err
	}

	if err := r.AddNode(n); err != nil {
		return nil, err
	}

	receiver := n
	if r.Size() <= r.ReplicationFactor()+1 {
		// Every member stores the whole ring
		full, err := r.StoredRange(n)
		if err != nil {
			return nil, err
		}
		plans := []model.TransferPlan{{
			Mode:     model.TransferModeCopy,
			Sender:   owner,
			Receiver: &receiver,
			Range:    full,
		}}
		p.logPlans("add", n, plans)
		return plans, nil
	}

	stored, err := r.StoredRange(n)
	if err != nil {
		return nil, err
	}
	newOwnerStored, err := r.StoredRange(owner)
	if err != nil {
		return nil, err
	}

	move := model.TransferPlan{
		Mode:     model.TransferModeMove,
		Sender:   owner,
		Receiver: &receiver,
		Range:    stored,
	}
	var plans []model.TransferPlan
	for i, piece := range oldOwnerStored.Remove(newOwnerStored) {
		if i == 0 {
			trim := piece
			move.Trim = &trim
			continue
		}
		plans = append(plans, deletePlan(owner, piece))
	}
	plans = append([]model.TransferPlan{move}, plans...)

	// The old owner's replicas each lose the tail of their window
	for _, replica := range oldReplicas {
		before, err := old.StoredRange(replica)
		if err != nil {
			return nil, err
		}
		after, err := r.StoredRange(replica)
		if err != nil {
			return nil, err
		}
		for _, piece := range before.Remove(after) {
			plans = append(plans, deletePlan(replica, piece))
		}
	}

	p.logPlans("add", n, plans)
	return plans, nil
}

// PlanRemove removes n from r and returns the copy plans that restore the
// replica count of every range n held. On error r is unchanged.
func (p *Planner) PlanRemove(r *ring.HashRing, n ring.Node) ([]model.TransferPlan, error) {
	if !r.Contains(n) {
		return nil, clustererrors.NodeNotFound(n.Name)
	}

	providers, err := r.ResponsibleNodes(n)
	if err != nil {
		return nil, err
	}
	successor, err := r.NextNode(n.Hash())
	if err != nil {
		return nil, err
	}
	successorRange, err := r.ResponsibleRange(successor)
	if err != nil {
		return nil, err
	}

	if err := r.RemoveNode(n); err != nil {
		return nil, err
	}

	if r.Size() <= r.ReplicationFactor() {
		p.logPlans("remove", n, nil)
		return nil, nil
	}

	var plans []model.TransferPlan
	seen := make(map[string]bool)
	coordinators := append(append([]ring.Node(nil), providers...), successor)
	for i, c := range coordinators {
		if seen[c.Name] || c.Name == n.Name {
			continue
		}
		seen[c.Name] = true

		replicas, err := r.ReplicationNodes(c)
		if err != nil {
			return nil, err
		}
		chain := append([]ring.Node{c}, replicas...)
		if len(chain) < 2 {
			// no replicas configured, nothing to repair from
			continue
		}
		receiver := chain[len(chain)-1]
		sender := chain[len(chain)-2]

		owned, err := r.ResponsibleRange(c)
		if err != nil {
			return nil, err
		}
		ranges := []ring.HashRange{owned}
		if i == len(coordinators)-1 {
			// the successor only needs to spread what it inherited
			ranges = owned.Remove(successorRange)
		}
		for _, rng := range ranges {
			recv := receiver
			plans = append(plans, model.TransferPlan{
				Mode:     model.TransferModeCopy,
				Sender:   sender,
				Receiver: &recv,
				Range:    rng,
			})
		}
	}

	p.logPlans("remove", n, plans)
	return plans, nil
}

func deletePlan(target ring.Node, rng ring.HashRange) model.TransferPlan {
	return model.TransferPlan{
		Mode:   model.TransferModeDelete,
		Sender: target,
		Range:  rng,
	}
}

func (p *Planner) logPlans(mutation string, n ring.Node, plans []model.TransferPlan) {
	descriptions := make([]string, len(plans))
	for i, plan := range plans {
		descriptions[i] = plan.String()
	}
	p.logger.Info("Computed transfer plans",
		zap.String("mutation", mutation),
		zap.String("node", n.Name),
		zap.Strings("plans", descriptions))
}
