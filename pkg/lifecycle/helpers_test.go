package lifecycle

import "github.com/Mindburn-Labs/jobledger/pkg/registry"

func registryLimits(maxResult int) registry.Limits {
	l := registry.DefaultLimits()
	l.MaxResult = maxResult
	return l
}
