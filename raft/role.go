package raft

// Role said the state role of a member.
type Role int

// Role enum constants.
const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

var roleString = []string{
	"Follower",
	"Candidate",
	"Leader",
}

func (role Role) String() string {
	return roleString[role]
}

// IsLeader test whether role is leader.
func (role Role) IsLeader() bool {
	return role == RoleLeader
}

// IsCandidate test whether role is candidate.
func (role Role) IsCandidate() bool {
	return role == RoleCandidate
}

// IsFollower test whether role is follower.
func (role Role) IsFollower() bool {
	return role == RoleFollower
}
