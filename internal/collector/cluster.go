package collector

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
	"github.com/Fimeg/systemsdashboard/internal/pve"
)

// clusterOverview lists nodes and then every node's inventory. A node whose
// inventory fails is reported inline; only the node list itself is fatal.
func (r *Router) clusterOverview(ctx context.Context, t device.ClusterTarget) (Envelope, error) {
	var out *ClusterOverview
	err := r.sessions.Do(ctx, t, func(ctx context.Context, c *pve.Client) error {
		nodes, err := c.Nodes(ctx)
		if err != nil {
			return err
		}

		resources := make([]NodeResources, len(nodes))
		g := new(errgroup.Group)
		g.SetLimit(r.nodeConcurrency)
		for i, n := range nodes {
			g.Go(func() error {
				resources[i] = r.nodeInventory(ctx, c, n.Node)
				return nil
			})
		}
		_ = g.Wait()

		if nodes == nil {
			nodes = []pve.Node{}
		}
		out = &ClusterOverview{Type: device.KindCluster, Nodes: nodes, Resources: resources}
		return nil
	})
	if err != nil {
		return nil, errs.WithOp(t.String(), err)
	}
	return out, nil
}

func (r *Router) nodeInventory(ctx context.Context, c *pve.Client, node string) NodeResources {
	res := NodeResources{Node: node}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res.VMs, err = c.VMs(gctx, node)
		return err
	})
	g.Go(func() error {
		var err error
		res.Containers, err = c.Containers(gctx, node)
		return err
	})

	if err := g.Wait(); err != nil {
		r.logger.Warn("Node inventory failed", "address", c.Address(), "node", node, "error", err)
		return NodeResources{Node: node, VMs: []pve.Guest{}, Containers: []pve.Guest{}, Error: err.Error()}
	}
	if res.VMs == nil {
		res.VMs = []pve.Guest{}
	}
	if res.Containers == nil {
		res.Containers = []pve.Guest{}
	}
	return res
}

// clusterNode fetches status, an hour of samples and both inventories of
// one node concurrently. The first failure fails the call.
func (r *Router) clusterNode(ctx context.Context, t device.ClusterTarget) (Envelope, error) {
	var out *ClusterNode
	err := r.sessions.Do(ctx, t, func(ctx context.Context, c *pve.Client) error {
		var (
			status, rrd json.RawMessage
			vms, cts    []pve.Guest
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			status, err = c.NodeStatus(gctx, t.Node)
			return err
		})
		g.Go(func() (err error) {
			rrd, err = c.NodeRRD(gctx, t.Node)
			return err
		})
		g.Go(func() (err error) {
			vms, err = c.VMs(gctx, t.Node)
			return err
		})
		g.Go(func() (err error) {
			cts, err = c.Containers(gctx, t.Node)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		if vms == nil {
			vms = []pve.Guest{}
		}
		if cts == nil {
			cts = []pve.Guest{}
		}
		out = &ClusterNode{
			Type:       device.KindCluster,
			Node:       t.Node,
			Status:     status,
			RRDData:    rrd,
			VMs:        vms,
			Containers: cts,
		}
		return nil
	})
	if err != nil {
		return nil, errs.WithOp(t.String(), err)
	}
	return out, nil
}
