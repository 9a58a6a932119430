// Package admission provides the admission-control layer for a visual
// landing-page builder: privacy-preserving rate limiting for anonymous
// ingestion and plan, limit, and credit gating for authenticated AI
// operations.
//
// Admission is designed as a library, not a service. Import it directly
// into your Go application. It provides:
//
//   - Fixed-window rate limiting over anonymized composite keys, with
//     pluggable in-memory or Redis counters
//   - A static plan catalog (free, pro, agency, enterprise) with
//     boolean features, numeric limits, and monthly credit allowances
//   - Atomic conditional credit deduction with an append-only usage
//     trail, backed by SQLite, MongoDB, or memory
//   - Explicit, operator-driven refunds
//   - A plugin hook system for observability and audit
//
// # Quick Start
//
// Create a gate with your preferred store:
//
//	import (
//	    "github.com/lessgo/admission"
//	    "github.com/lessgo/admission/store/sqlite"
//	)
//
//	store, err := sqlite.Open("admission.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	g := admission.New(store)
//
//	// Start the gate (migrates the store, begins background workers)
//	if err := g.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer g.Stop()
//
// # Core Concepts
//
// Anonymous traffic is admitted per resource and rough client identity.
// The key is a digest; nothing identifying is stored:
//
//	d, err := g.AdmitAnonymous(ctx, ratelimit.Request{
//	    SessionToken: token,
//	    UserAgent:    ua,
//	    ResourceID:   pageID,
//	})
//	if !d.Allowed {
//	    // answer 429, Retry-After: d.RetryAfter
//	}
//
// Authenticated operations pass the full pipeline in one call. Checks
// run in a fixed order (authentication, feature, limit, credits) and a
// passing request is charged immediately:
//
//	d, err := g.Admit(ctx, admission.Request{
//	    PrincipalID: userID,
//	    EventType:   credit.EventPageGeneration,
//	    Feature:     plan.FeatureExportHTML,
//	})
//	if d.Allowed {
//	    // run the generation; d.Remaining credits left
//	}
//
// Charges stick even when the operation later fails. Compensation is
// explicit:
//
//	refund, err := g.RefundCredits(ctx, userID, 10, "generation failed")
//
// # Concurrency
//
// The credit check and decrement are a single conditional store
// operation, so two concurrent requests can never jointly overdraw a
// balance. Never check a balance in application code and debit
// afterward.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	uevt_01h2xcejqtf2nbrexx3vqjhp41  // Usage event ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	rfnd_01h455vb4pex5vsknk084sn02q  // Refund ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of the usage trail.
package admission
