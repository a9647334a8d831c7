// Package pipeline is the front door for message processing: it persists
// inbound messages, hands them to the durable queue, and answers status and
// health queries. Every producer, from web socket endpoints to the whatsapp
// session manager, submits through this facade.
package pipeline
