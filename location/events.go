package location

import "time"

// Server to client channel events.
const (
	EventLocationUpdate       = "location:update"
	EventFriendStartedSharing = "friend:started:sharing"
	EventAchievementEarned    = "achievement:earned"
)

// Update is a friend's shared position pushed to a watcher.
type Update struct {
	FriendID       string    `json:"friendId"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracyMeters"`
	Timestamp      time.Time `json:"timestamp"`
}

// Achievement is an award returned by the achievement collaborator.
type Achievement struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VisitEvent is a detected point-of-interest visit together with any
// achievements it awarded.
type VisitEvent struct {
	PointID      string
	PointName    string
	Achievements []Achievement
}

// AchievementEarned is pushed to the visiting user's own channel.
type AchievementEarned struct {
	Achievements []Achievement `json:"achievements"`
	Trigger      string        `json:"trigger"`
	PointName    string        `json:"pointName"`
}

func updateFrom(pos Position) Update {
	return Update{
		FriendID:       pos.OwnerID,
		Lat:            pos.Lat,
		Lng:            pos.Lng,
		AccuracyMeters: pos.AccuracyMeters,
		Timestamp:      pos.RecordedAt,
	}
}
