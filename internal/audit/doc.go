// Package audit journals trading-mode transitions to PostgreSQL.
//
// Transitions are queued by the state machine and written in batches, so a
// slow or unavailable database never delays a mode switch. A batch that fails
// to insert is put back and retried on the next flush. While the database is
// down the queue holds at most BatchSize rows; older rows beyond that are
// dropped and counted in Stats.Dropped, as are rows still queued when a final
// flush on Stop fails.
package audit
