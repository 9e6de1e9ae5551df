// Package scheduler turns time into work for the task engine.
//
// Two triggers live here:
//   - Timers: a keyed registry of one-shot deadlines (vote pings and closes,
//     role expiry). Arming a key replaces and disposes its previous timer;
//     a stale callback from a replaced timer is ignored by version.
//   - Service: robfig/cron schedules for periodic sweeps.
//
// Neither trigger executes jobs itself. When a deadline fires the job is
// enqueued into the engine, so callbacks never block on I/O.
package scheduler
