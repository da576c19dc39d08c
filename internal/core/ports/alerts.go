package ports

import "context"

const (
	SafetyViolation Topic = "Safety Violation"
	PegOutRejected  Topic = "PegOut Rejected"
	PeerDegraded    Topic = "Peer Degraded"
)

type Topic string

type Alerts interface {
	Publish(ctx context.Context, topic Topic, message interface{}) error
}
