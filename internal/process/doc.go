// Package process supervises a single child command with a bounded run time.
//
// A Supervisor spawns the command through a shell in its own process group
// and drives it through an escalation state machine, one tick per poll
// interval:
//
//	INIT -> RUNNING -> TERMINATING -> KILLED
//
// RUNNING lasts until the accumulated running time reaches the timeout, at
// which point SIGTERM is sent to the process group. TERMINATING lasts until the
// grace period is used up, then SIGKILL follows. FINISHED is layered on any
// active state when the child exits with code 0.
//
// The transition logic lives in Machine, which performs no I/O, so it can be
// driven by synthetic ticks. Supervisor owns the side effects: spawning,
// signaling, draining stdout/stderr while the loop sleeps, and collecting the
// final Stats.
//
// Example:
//
//	sup := process.New("backup.sh --full", &process.Options{
//	    Timeout: 2 * time.Hour,
//	    Grace:   10 * time.Second,
//	})
//	stats, err := sup.Run()
//	if err != nil {
//	    log.Fatal(err) // could not start
//	}
//	fmt.Println(stats.State, stats.ExitCode)
package process
