// Package whatsapp manages sessions against a WhatsApp-like network through
// an external protocol bridge.
//
// Each session pairs via QR, survives disconnects with exponentially
// backed-off reconnects, and classifies close reasons so terminal conditions
// (logged out, replaced, forbidden) end the session instead of looping.
// Inbound messages are deduplicated, resolved to a canonical contact
// identity across the network's two addressing schemes, and handed to the
// processing pipeline; messages sent from the linked device itself are
// synced into history without re-entering the pipeline.
package whatsapp
