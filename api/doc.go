// Package api serves the engine's HTTP API.
//
// Every handler goes through a Backend, which in production is the engine's
// Bridge, so requests never touch engine state directly. Routes live under
// /api/v1:
//
//	GET    /rules                    list active rules
//	GET    /rules/:id                one rule
//	POST   /rules                    save a rule record
//	PUT    /rules/:id                save a rule record under :id
//	DELETE /rules/:id                delete a rule
//	POST   /rules/reload             clear and reload every rule
//	GET    /entities                 mirrored entity states
//	GET    /services                 mirrored service domains
//	POST   /services/:domain/:service call a hub service
//	POST   /timespec/check           validate a time specification
//	GET    /state/:group/:key        read one state value
//
// GET /health reports engine health outside the versioned prefix. A Bridge
// timeout maps to 504 Gateway Timeout.
package api
