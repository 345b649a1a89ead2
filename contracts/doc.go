// Package contracts defines the wire types exchanged between the lead services.
//
// Every message on the broker is an Envelope carrying a JSON body:
//   - Lead: an inbound prospect submitted through the gateway
//   - LeadEvaluation: the qualification verdict for a Lead
//   - ErrorReply: the body returned by the HTTP surfaces on failure
//
// Envelopes carry a schema version and a correlation id. The id is generated
// per call by the requesting side and echoed by the responding side, so replies
// are matched without looking at business fields.
package contracts
