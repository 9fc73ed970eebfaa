package device

import (
	"k8s.io/klog/v2"
	"talosgateway/pkg/scale"
)

// Invalidation lists the cached factors dropped by a write.
type Invalidation struct {
	All   bool
	Kinds []scale.Kind
}

// HookTable maps a trigger register name to the factors its writes invalidate.
type HookTable map[string]Invalidation

// Fire invalidates the factors bound to name, reporting whether a hook matched.
func (t HookTable) Fire(name string, resolver *scale.Resolver) bool {
	inv, ok := t[name]
	if !ok {
		return false
	}
	if inv.All {
		resolver.Invalidate()
	} else {
		resolver.Invalidate(inv.Kinds...)
	}
	klog.V(4).InfoS("Invalidated scale cache", "register", name, "all", inv.All, "kinds", inv.Kinds)
	return true
}
