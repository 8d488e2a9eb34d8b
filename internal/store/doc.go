// Package store provides SQLite-backed durable storage for cadences, leads,
// enrollments, step instances, schedule entries and linked accounts.
//
// # Critical Patterns
//
// Fingerprint idempotency:
//   - Partial UNIQUE index on schedule_entries(fingerprint) for non-canceled rows
//   - UpsertScheduleEntry inserts with ON CONFLICT ... DO NOTHING and returns
//     the live row when one already exists
//   - Enforced by the database, so concurrent materializers cannot both win
//
// Compare-and-swap writes:
//   - enrollments.version is bumped on every write; updates must name the
//     version they read and fail with ErrStaleWrite otherwise
//   - step instance and entry status changes are guarded by the expected
//     prior status
//
// Deterministic reads:
//   - Instances are ordered by seq; entries by scheduled_at, id
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
