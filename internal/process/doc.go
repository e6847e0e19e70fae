// Package process supervises long-running subprocesses.
//
// Process wraps os/exec for a single child:
//   - the child runs in its own process group, so stopping it also stops
//     any helpers it spawned
//   - stop sends SIGTERM to the group, then SIGKILL after a timeout
//   - stdout and stderr are split into lines and logged through an
//     optional LogParser and OutputHandler
//
// Pool manages named processes. Start returns only after the OS process
// exists, so launch failures surface to the caller, and OnStateChange
// reports every transition including a child that exits on its own:
//
//	pool := process.NewPool(&process.PoolOptions{
//		CommandProvider: func(id string) (process.Command, error) {
//			return process.Command{Path: "chromium", Args: []string{"--user-data-dir=/var/lib/pagecaster/" + id}}, nil
//		},
//		OnStateChange: func(id string, old, next process.State, err error) {
//			if process.Unexpected(old, next) {
//				log.Printf("%s exited: %v", id, err)
//			}
//		},
//	})
//	if err := pool.Start("enc1"); err != nil { ... }
//	defer pool.StopAll()
package process
