// Package responder is the client for the external reply-generation service.
package responder
