package topology

// Container label keys are part of the external contract with the
// container runtime: the sweeper relies on these exact keys to rediscover
// resources after a process restart, so they must never be derived from
// an in-memory map.
const (
	LabelApp    = "app"
	LabelUserID = "user_id"
	LabelType   = "type"
	LabelParent = "parent"

	AppLabelValue = "ansible-sandbox"

	TypeControlNode = "control_node"
	TypeManagedNode = "managed_node"
)
