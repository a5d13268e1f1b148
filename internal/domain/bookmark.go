package domain

// Bookmark names identify the resumption point a waiting activity is parked
// at. They are derived, never stored free-form, so the engine can locate the
// owning activity from the name alone.

func UserTaskBookmark(activityID string) string {
	return "usertask:" + activityID
}

func TimerBookmark(activityID string) string {
	return "timer:" + activityID
}

func MessageBookmark(activityID string) string {
	return "message:" + activityID
}

func SignalBookmark(activityID string) string {
	return "signal:" + activityID
}

func ChildInstanceBookmark(activityID string) string {
	return "child:" + activityID
}

func RetryBookmark(activityID string) string {
	return "retry:" + activityID
}
