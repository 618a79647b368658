package logfields

import "go.uber.org/zap"

func DeliveryID(val string) zap.Field {
	return zap.String("github.delivery_id", val)
}

func EventType(val string) zap.Field {
	return zap.String("github.event_type", val)
}

func Action(val string) zap.Field {
	return zap.String("github.action", val)
}

func PullRequest(val int) zap.Field {
	return zap.Int("github.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}
