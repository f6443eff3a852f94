// Package contrib implements the phased contribution registry.
//
// A contribution is a unit of host behavior that must be created exactly
// once. Each registration carries a Policy:
//
//   - BlockStartup, BlockRestore: created synchronously when the host reaches
//     lifecycle.Starting / lifecycle.Ready.
//   - AfterRestored: created during idle time after lifecycle.Restored, with a
//     500ms forced timeout per slice.
//   - Eventually: created during idle time after lifecycle.Eventually, with a
//     3s forced timeout, and never before the AfterRestored batch has drained.
//   - Lazy: created only by GetOrCreate.
//
// Typical wiring:
//
//	reg := contrib.New(contrib.WithLogger(log), contrib.WithMarker(marks))
//	reg.Register("host.ready", contrib.AfterRestored, newReadyNotifier)
//	_ = reg.Start(ctx, contrib.StartDeps{Phases: lc, Idle: loop, Runner: sup})
//
// Construction failures (errors, panics, nil instances) are logged and
// isolated; they never stop other contributions. GetOrCreate reports them
// as ErrCreationFailed.
package contrib
