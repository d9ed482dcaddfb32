package kiroku

import "context"

// RunHook receives run lifecycle notifications. Hooks run synchronously on
// the recording path; implementations must be fast and must tolerate being
// called once per transition. Hook errors are logged, never propagated to
// the recording agent.
type RunHook interface {
	OnRunStarted(ctx context.Context, start RunStart) error
	OnRunFinished(ctx context.Context, finish RunFinish) error
}
