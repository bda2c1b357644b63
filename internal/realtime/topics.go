package realtime

import "github.com/leadloop/activityd/pkg/feed"

func IsSupportedEvent(event string) bool {
	switch event {
	case feed.EventActivityUpdate:
		return true
	default:
		return false
	}
}
