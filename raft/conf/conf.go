// Package conf models the membership of a raft cluster: who replicates,
// who votes, and what constitutes a quorum, both for a plain configuration
// and for the joint configuration used while a membership change is in
// flight.
package conf

// MemberID identifies one member of the cluster. IDs are opaque and must
// be stable across restarts of the member.
type MemberID string

// NoMember is the zero MemberID, used where a member may be absent.
const NoMember MemberID = ""

// Config describes a simple (non-joint) membership set. Voting members
// count toward quorums and may lead; non-voting members only receive
// replicated entries.
type Config struct {
	Voting    map[MemberID]bool
	NonVoting map[MemberID]bool
}

// MakeConfig build a Config from the given voting members.
func MakeConfig(voting ...MemberID) Config {
	c := Config{
		Voting:    make(map[MemberID]bool),
		NonVoting: make(map[MemberID]bool),
	}
	for _, id := range voting {
		c.Voting[id] = true
	}
	return c
}

// AllMembers return every member, voting and non-voting.
func (c *Config) AllMembers() map[MemberID]bool {
	members := make(map[MemberID]bool, len(c.Voting)+len(c.NonVoting))
	for id := range c.Voting {
		members[id] = true
	}
	for id := range c.NonVoting {
		members[id] = true
	}
	return members
}

// Voters return the voting members.
func (c *Config) Voters() map[MemberID]bool {
	voters := make(map[MemberID]bool, len(c.Voting))
	for id := range c.Voting {
		voters[id] = true
	}
	return voters
}

// IsQuorum report whether members contains a strict majority of the
// voting set.
func (c *Config) IsQuorum(members map[MemberID]bool) bool {
	votes := 0
	for id := range members {
		if c.Voting[id] {
			votes++
		}
	}
	return votes*2 > len(c.Voting)
}

// IsValidLeader report whether member may act as leader.
func (c *Config) IsValidLeader(member MemberID) bool {
	return c.Voting[member]
}

// Equal report whether two configurations contain the same members.
func (c *Config) Equal(other *Config) bool {
	return sameSet(c.Voting, other.Voting) &&
		sameSet(c.NonVoting, other.NonVoting)
}

// Clone return a deep copy.
func (c *Config) Clone() Config {
	dup := Config{
		Voting:    make(map[MemberID]bool, len(c.Voting)),
		NonVoting: make(map[MemberID]bool, len(c.NonVoting)),
	}
	for id := range c.Voting {
		dup.Voting[id] = true
	}
	for id := range c.NonVoting {
		dup.NonVoting[id] = true
	}
	return dup
}

// Complex is either a simple configuration (New == nil) or a joint
// consensus of an old and a new configuration. While joint, agreement
// requires separate majorities from both sides, and entries replicate to
// every member of both sides.
type Complex struct {
	Config Config
	New    *Config
}

// MakeComplex wrap a simple configuration.
func MakeComplex(c Config) Complex {
	return Complex{Config: c}
}

// MakeJoint build the transitional configuration from old to new.
func MakeJoint(old, new_ Config) Complex {
	n := new_.Clone()
	return Complex{Config: old.Clone(), New: &n}
}

// IsJoint report whether this is a joint consensus configuration.
func (c *Complex) IsJoint() bool {
	return c.New != nil
}

// AllMembers return every member of both sides.
func (c *Complex) AllMembers() map[MemberID]bool {
	members := c.Config.AllMembers()
	if c.IsJoint() {
		for id := range c.New.AllMembers() {
			members[id] = true
		}
	}
	return members
}

// Voters return the voting members of both sides.
func (c *Complex) Voters() map[MemberID]bool {
	voters := c.Config.Voters()
	if c.IsJoint() {
		for id := range c.New.Voting {
			voters[id] = true
		}
	}
	return voters
}

// IsQuorum report whether members is a quorum. While joint, a majority
// from each of the old and new configurations is required.
func (c *Complex) IsQuorum(members map[MemberID]bool) bool {
	if c.IsJoint() {
		return c.Config.IsQuorum(members) && c.New.IsQuorum(members)
	}
	return c.Config.IsQuorum(members)
}

// IsValidLeader report whether member may act as leader. While joint,
// any voter from either configuration may lead.
func (c *Complex) IsValidLeader(member MemberID) bool {
	if c.Config.IsValidLeader(member) {
		return true
	}
	return c.IsJoint() && c.New.IsValidLeader(member)
}

// Equal report whether two complex configurations are identical.
func (c *Complex) Equal(other *Complex) bool {
	if c.IsJoint() != other.IsJoint() {
		return false
	}
	if !c.Config.Equal(&other.Config) {
		return false
	}
	return !c.IsJoint() || c.New.Equal(other.New)
}

// Clone return a deep copy.
func (c *Complex) Clone() Complex {
	dup := Complex{Config: c.Config.Clone()}
	if c.IsJoint() {
		n := c.New.Clone()
		dup.New = &n
	}
	return dup
}

func sameSet(a, b map[MemberID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}
