// Package bus is the in-process pub/sub channel for ResponseEvents. Every
// event publishes to two topics at once, one per origin channel and one per
// conversation, so the delivery router and per-conversation waiters can
// subscribe independently. Slow subscribers drop events rather than block
// the publisher.
package bus
