package escrow

// Role is the authorization level resolved for a caller on a given job.
// There is no hierarchy beyond owner > client/developer > other; the owner
// is platform-wide while client and developer are per job.
type Role uint8

const (
	RoleNone Role = iota
	RoleClient
	RoleDeveloper
	RoleOwner
)

// String names the role for error messages and logs.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleDeveloper:
		return "developer"
	case RoleOwner:
		return "owner"
	default:
		return "unauthorized party"
	}
}

// PlatformConfig is the process-wide singleton mutated only by the owner.
// FeeBps applies to settlements computed after the change; payouts that
// already happened keep their historical split.
type PlatformConfig struct {
	Owner          [20]byte `json:"owner"`
	PlatformWallet [20]byte `json:"platformWallet"`
	FeeBps         uint32   `json:"feeBps"`
}

// RoleOf resolves the caller's role for a job by comparing identities. It is
// invoked at the top of every state-mutating operation; nothing is implicit.
// Per-job roles win over the owner identity; administrative operations
// compare against the owner directly rather than through a job.
func RoleOf(owner [20]byte, job *Job, caller [20]byte) Role {
	if caller == ([20]byte{}) {
		return RoleNone
	}
	if job != nil {
		switch caller {
		case job.Client:
			return RoleClient
		case job.Developer:
			return RoleDeveloper
		}
	}
	if caller == owner {
		return RoleOwner
	}
	return RoleNone
}
