package model

// Role is a session's standing against a view: exactly one session per
// view holds Leader at a time (spec.md §4.4).
type Role string

const (
	Leader   Role = "leader"
	Follower Role = "follower"
)
