// Package nib implements the Network Information Base: the durable,
// optimistically-versioned store of devices, controllers, configurations,
// policies, backups, audit events, and coordination locks.
package nib

import "time"

// DeviceStatus is the operational state of a managed device.
type DeviceStatus string

const (
	DeviceDiscovered  DeviceStatus = "discovered"
	DeviceActive      DeviceStatus = "active"
	DeviceQuarantined DeviceStatus = "quarantined"
	DeviceInactive    DeviceStatus = "inactive"
	DeviceFailed      DeviceStatus = "failed"
)

// Device is a network device record. MAC is the identity key: IP changes do
// not change identity.
type Device struct {
	DeviceID   string
	TempScanID string
	IPAddress  string
	MACAddress string
	Hostname   string
	Vendor     string
	DeviceType string
	Status     DeviceStatus
	FirstSeen  time.Time
	LastSeen   time.Time
	ManagedBy  string
	Region     string
	Version    int64
	Metadata   map[string]any
}

// ControllerStatus is the lifecycle state of a controller record.
type ControllerStatus string

const (
	ControllerValidating ControllerStatus = "validating"
	ControllerActive     ControllerStatus = "active"
	ControllerInactive   ControllerStatus = "inactive"
)

// ControllerRole places a controller in the hierarchy.
type ControllerRole string

const (
	RoleGlobal   ControllerRole = "global"
	RoleRegional ControllerRole = "regional"
	RoleLocal    ControllerRole = "local"
)

// Controller is a validated (or validating) controller identity.
type Controller struct {
	ControllerID string
	Role         ControllerRole
	Region       string
	Status       ControllerStatus
	ValidatedBy  string
	ValidatedAt  time.Time
	PublicKey    string
	Certificate  string
	Capabilities []string
	Metadata     map[string]any
	Version      int64
}

// ConfigState is the lifecycle state of a configuration record; the valid
// transition graph lives in the configstate package.
type ConfigState string

const (
	ConfigDraft           ConfigState = "DRAFT"
	ConfigPendingApproval ConfigState = "PENDING_APPROVAL"
	ConfigApproved        ConfigState = "APPROVED"
	ConfigExecuting       ConfigState = "EXECUTING"
	ConfigExecuted        ConfigState = "EXECUTED"
	ConfigFailed          ConfigState = "FAILED"
	ConfigRolledBack      ConfigState = "ROLLED_BACK"
	ConfigCancelled       ConfigState = "CANCELLED"
)

// ConfigRecord ties command lines to their approval, token, backup, and
// execution outcome.
type ConfigRecord struct {
	ConfigID          string
	DeviceID          string
	Lines             []string
	RequesterID       string
	Sensitivity       string
	State             ConfigState
	ApprovalRequestID string
	ExecutionTokenID  string
	BackupID          string
	ExecutionResult   map[string]any
	Version           int64
}

// Policy is a region- or global-scoped rule set distributed to controllers.
type Policy struct {
	PolicyID  string
	Name      string
	RuleSet   map[string]any
	Scope     string
	Active    bool
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// Backup is a pre-execution snapshot of a device's running configuration.
type Backup struct {
	BackupID   string
	DeviceID   string
	Lines      []string
	CapturedAt time.Time
	Metadata   map[string]any
}

// Event is an immutable audit record. The signature is an HMAC-SHA256 tag
// over the canonical serialisation of (type, actor, timestamp, details).
type Event struct {
	EventID      string
	EventType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	Action       string
	Result       string
	Details      map[string]any
	Timestamp    time.Time
	Signature    string
}

// LockType names the coordination workflows that take NIB locks.
type LockType string

const (
	LockConfigApproval   LockType = "config_approval"
	LockConfigExecution  LockType = "config_execution"
	LockDeviceAssignment LockType = "device_assignment"
	LockPolicyUpdate     LockType = "policy_update"
)

// Lock is a TTL-bounded coordination record keyed by (subject, type).
type Lock struct {
	LockID     string
	SubjectID  string
	LockType   LockType
	HeldBy     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// UpsertResult reports the outcome of a compare-and-swap write.
type UpsertResult struct {
	ID       string
	Conflict bool
}
