// Package model defines the data types shared between the Session Mediator,
// Upstream Link, Event Aggregator, Balance Normalizer, and Order Builder.
//
// Conventions:
//   - Monetary amounts: integer minor units (cents)
//   - Timestamps: Unix seconds unless named *Millis/*Ms, except
//     OrderEnvelope.LocalTime, which holds Unix milliseconds
//   - IDs: string (session id, balance id, and request ids in UUID text form)
package model
