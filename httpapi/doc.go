// Package httpapi is the HTTP surface of the lead system.
//
// MountGateway, MountEvaluator and MountStorage register the endpoints of the
// three services on a ServeMux. Client calls the evaluator and storage
// endpoints and serves as the fallback when the queue path fails. Errors are
// returned as a JSON contracts.ErrorReply.
package httpapi
