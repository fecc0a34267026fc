package ecm

import (
	"context"
	"fmt"
	"time"
)

// Layer is one labeled configuration layer: a router id for device layers,
// or SourceGroup/SourceDefault for the shared layers.
type Layer struct {
	Source string
	Config map[string]any
}

// GroupSnapshot is everything fetched for one group in one startup pass.
type GroupSnapshot struct {
	GroupID   string
	RouterIDs []string
	Layers    []Layer
}

// LayerSources returns the source labels of the non-device layers present in
// the snapshot, in layer order.
func (s *GroupSnapshot) LayerSources() []string {
	devices := make(map[string]struct{}, len(s.RouterIDs))
	for _, id := range s.RouterIDs {
		devices[id] = struct{}{}
	}
	var out []string
	for _, l := range s.Layers {
		if _, ok := devices[l.Source]; !ok {
			out = append(out, l.Source)
		}
	}
	return out
}

// FetchGroup pulls every requested configuration layer for the group: the
// device layer of each router, then the group layer and the firmware default
// layer when asked for. Any fetch error aborts the whole snapshot; a router
// with no stored configuration is simply absent from the layers.
func (c *Client) FetchGroup(ctx context.Context, groupID string, includeGroup, includeDefault bool) (*GroupSnapshot, error) {
	start := time.Now()

	ids, err := c.ListRouterIDs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("group_id", groupID).Int("routers", len(ids)).Msg("listed group routers")

	configs, err := c.RouterConfigs(ctx, ids)
	if err != nil {
		return nil, err
	}

	snap := &GroupSnapshot{GroupID: groupID, RouterIDs: ids}
	for _, id := range ids {
		if cfg, ok := configs[id]; ok {
			snap.Layers = append(snap.Layers, Layer{Source: id, Config: cfg})
		}
	}

	if includeGroup {
		cfg, err := c.GroupConfig(ctx, groupID)
		if err != nil {
			return nil, err
		}
		snap.Layers = append(snap.Layers, Layer{Source: SourceGroup, Config: cfg})
	}

	if includeDefault {
		cfg, err := c.DefaultConfig(ctx, groupID)
		if err != nil {
			return nil, err
		}
		snap.Layers = append(snap.Layers, Layer{Source: SourceDefault, Config: cfg})
	}

	c.metrics.ObserveFetchDuration(time.Since(start))
	c.log.Info().
		Str("group_id", groupID).
		Int("layers", len(snap.Layers)).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("group snapshot fetched")

	if len(snap.Layers) == 0 {
		return nil, fmt.Errorf("group %s has no configuration layers", groupID)
	}
	return snap, nil
}
