package domain

// Role represents a position a player is willing to fill in a team
type Role string

const (
	RoleTop     Role = "top"
	RoleJungle  Role = "jungle"
	RoleMid     Role = "mid"
	RoleADC     Role = "adc"
	RoleSupport Role = "support"
)

// AllRoles contains all valid roles in order
var AllRoles = []Role{RoleTop, RoleJungle, RoleMid, RoleADC, RoleSupport}

// IsValid checks if a role is valid
func (r Role) IsValid() bool {
	switch r {
	case RoleTop, RoleJungle, RoleMid, RoleADC, RoleSupport:
		return true
	}
	return false
}

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a user-friendly display name for the role
func (r Role) DisplayName() string {
	switch r {
	case RoleTop:
		return "Top"
	case RoleJungle:
		return "Jungle"
	case RoleMid:
		return "Mid"
	case RoleADC:
		return "ADC"
	case RoleSupport:
		return "Support"
	default:
		return string(r)
	}
}

// Composition is the number of slots per role required in every team.
// An empty composition means any player can fill any slot.
type Composition map[Role]int

// Size returns the total slot count of the composition
func (c Composition) Size() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Slots expands the composition into an ordered list of role slots
func (c Composition) Slots() []Role {
	var slots []Role
	for _, role := range AllRoles {
		for i := 0; i < c[role]; i++ {
			slots = append(slots, role)
		}
	}
	return slots
}

// Accepts reports whether a player with the given preferences may fill the slot.
// Players without preferences are treated as fill.
func Accepts(preferred []Role, slot Role) bool {
	if len(preferred) == 0 {
		return true
	}
	for _, r := range preferred {
		if r == slot {
			return true
		}
	}
	return false
}
