package loadbalance

import (
	"math/rand/v2"

	"flux-rpc/extension"
	"flux-rpc/message"
	"flux-rpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their registered weight, for fleets with uneven capacity.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance, _ *message.Request) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, errNoInstances()
	}
	if len(instances) == 1 {
		return instances[0], nil
	}

	// 计算总权重；未设置的权重按 1 处理
	totalWeight := 0
	for i := range instances {
		totalWeight += effectiveWeight(instances[i].Weight)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= effectiveWeight(instances[i].Weight)
		if r < 0 {
			return instances[i], nil
		}
	}
	return instances[len(instances)-1], nil
}

func effectiveWeight(w int) int {
	if w <= 0 {
		return 1
	}
	return w
}

func (b *WeightedRandomBalancer) Name() string {
	return "weightedrandom"
}

func init() {
	extension.RegisterImpl("balancer", "weightedrandom", func() (any, error) { return &WeightedRandomBalancer{}, nil })
}
