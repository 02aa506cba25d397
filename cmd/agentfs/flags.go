package main

import (
	"github.com/spf13/pflag"

	"github.com/user/agentfs/internal/types"
)

// priorityValue adapts types.Priority to a pflag.Value.
type priorityValue struct{ p *types.Priority }

var _ pflag.Value = (*priorityValue)(nil)

func newPriorityValue(p *types.Priority) *priorityValue {
	*p = types.PriorityNormal
	return &priorityValue{p: p}
}

func (v *priorityValue) String() string {
	if v.p == nil {
		return types.PriorityNormal.String()
	}
	return v.p.String()
}

func (v *priorityValue) Set(s string) error {
	p, err := types.ParsePriority(s)
	if err != nil {
		return err
	}
	*v.p = p
	return nil
}

func (v *priorityValue) Type() string { return "priority" }
