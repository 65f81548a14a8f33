// Package scheduler triggers named jobs from cron expressions, intervals or
// daily wall-clock times in a configured timezone.
//
// Each schedule runs at most one job at a time: a trigger that fires while
// the previous run is still going is skipped and recorded in the history.
package scheduler
