// Package delivery routes ResponseEvents from the bus to their destinations.
//
// Every event is broadcast to the connection registry so any live dashboard
// watching the conversation sees it, regardless of source channel. Events
// additionally dispatch to the handler matching their origin channel
// (whatsapp, telegram, api); web events are fully covered by the registry
// broadcast. Dispatches run concurrently and a single handler's failure is
// caught and logged, never aborting its siblings.
package delivery
