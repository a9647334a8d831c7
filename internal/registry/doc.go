// Package registry tracks live push connections. It is a process-wide
// singleton: the delivery router, the whatsapp session manager, and any
// inbound surface all observe the same set of connections. Targeted sends go
// by conversation, then by agent; orphaned events optionally fall back to a
// broadcast so a response is never silently lost.
package registry
