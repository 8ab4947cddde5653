package actor

import "github.com/asynkron/protoactor-go/actor"

// backgroundTaskResult is the self-message a SafeBackgroundTask pipes
// back to the actor that started it, carrying both the computed
// response and who to forward it to once the actor un-stashes.
type backgroundTaskResult struct {
	message any
	replyTo *actor.PID
}

func mapTaskResult[T any](sender *actor.PID) func(t *T) *backgroundTaskResult {
	return func(t *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			message: *t,
			replyTo: sender,
		}
	}
}
