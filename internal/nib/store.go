package nib

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// timeFmt is RFC3339 with a fixed-width fractional second so stored
// strings compare lexicographically in SQL (lock expiry, event ordering).
const timeFmt = "2006-01-02T15:04:05.000000000Z07:00"

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict: version mismatch")
	ErrLocked              = errors.New("lock already held")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrImmutable           = errors.New("event log is immutable")
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Logger *slog.Logger
	DB     *sql.DB
	// Secret signs audit events for tamper evidence.
	Secret []byte
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if len(cfg.Secret) == 0 {
		return errors.New("event log secret is required")
	}
	return nil
}

// Store is the NIB storage layer. All persisted mutation goes through its
// compare-and-swap upserts; readers get snapshots carrying the version they
// must present to write back.
type Store struct {
	log    *slog.Logger
	db     *sql.DB
	secret []byte
	clock  clockwork.Clock
}

// Open opens (or creates) the SQLite database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open nib database: %w", err)
	}
	// SQLite allows one writer; serialise access through a single conn to
	// avoid SQLITE_BUSY under concurrent controllers in one process.
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	s := &Store{
		log:    cfg.Logger,
		db:     cfg.DB,
		secret: cfg.Secret,
		clock:  cfg.Clock,
	}
	if err := s.InitSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates tables, triggers, and indexes if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize nib schema: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// ===== Devices =====

const deviceCols = `device_id, temp_scan_id, ip_address, mac_address, hostname,
	vendor, device_type, status, first_seen, last_seen, managed_by, region,
	version, metadata`

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

func (s *Store) GetDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceCols+` FROM devices WHERE mac_address = ?`, mac)
	return scanDevice(row)
}

// ActiveDevices returns devices in status active, optionally filtered by
// region ("" means all regions).
func (s *Store) ActiveDevices(ctx context.Context, region string) ([]*Device, error) {
	q := `SELECT ` + deviceCols + ` FROM devices WHERE status = ?`
	args := []any{string(DeviceActive)}
	if region != "" {
		q += ` AND region = ?`
		args = append(args, region)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query active devices: %w", err)
	}
	defer rows.Close()
	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDevice inserts a new device (version 0) or updates an existing one
// keyed by MAC under the optimistic-concurrency contract: the update only
// lands if the stored version still equals the version the caller read.
func (s *Store) UpsertDevice(ctx context.Context, d *Device) (UpsertResult, error) {
	existing, err := s.GetDeviceByMAC(ctx, d.MACAddress)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UpsertResult{}, err
	}

	meta, err := marshalMap(d.Metadata)
	if err != nil {
		return UpsertResult{}, err
	}

	if existing != nil {
		res, err := s.db.ExecContext(ctx, `
			UPDATE devices SET
				ip_address = ?, hostname = ?, vendor = ?, device_type = ?,
				status = ?, last_seen = ?, managed_by = ?, region = ?,
				metadata = ?, version = version + 1
			WHERE mac_address = ? AND version = ?`,
			d.IPAddress, d.Hostname, d.Vendor, d.DeviceType,
			string(d.Status), formatTime(d.LastSeen), d.ManagedBy, d.Region,
			meta, d.MACAddress, d.Version,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("update device %s: %w", d.MACAddress, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return UpsertResult{ID: existing.DeviceID, Conflict: true}, ErrConflict
		}
		return UpsertResult{ID: existing.DeviceID}, nil
	}

	if d.DeviceID == "" {
		d.DeviceID = "nib-dev-" + uuid.NewString()[:8]
	}
	if d.FirstSeen.IsZero() {
		d.FirstSeen = s.now()
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = s.now()
	}
	if d.Status == "" {
		d.Status = DeviceDiscovered
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		d.DeviceID, d.TempScanID, d.IPAddress, d.MACAddress, d.Hostname,
		d.Vendor, d.DeviceType, string(d.Status), formatTime(d.FirstSeen),
		formatTime(d.LastSeen), d.ManagedBy, d.Region, meta,
	)
	if err != nil {
		return UpsertResult{}, wrapConstraint(fmt.Errorf("insert device %s: %w", d.MACAddress, err))
	}
	return UpsertResult{ID: d.DeviceID}, nil
}

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	var status, firstSeen, lastSeen, meta string
	var tempScanID, hostname, vendor, devType, managedBy, region sql.NullString
	err := row.Scan(&d.DeviceID, &tempScanID, &d.IPAddress, &d.MACAddress,
		&hostname, &vendor, &devType, &status, &firstSeen, &lastSeen,
		&managedBy, &region, &d.Version, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.TempScanID = tempScanID.String
	d.Hostname = hostname.String
	d.Vendor = vendor.String
	d.DeviceType = devType.String
	d.ManagedBy = managedBy.String
	d.Region = region.String
	d.Status = DeviceStatus(status)
	d.FirstSeen = parseTime(firstSeen)
	d.LastSeen = parseTime(lastSeen)
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		d.Metadata = map[string]any{}
	}
	return &d, nil
}

// ===== Controllers =====

const controllerCols = `controller_id, role, region, status, validated_by,
	validated_at, public_key, certificate, capabilities, metadata, version`

func (s *Store) GetController(ctx context.Context, id string) (*Controller, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+controllerCols+` FROM controllers WHERE controller_id = ?`, id)
	return scanController(row)
}

func (s *Store) ControllersByRegion(ctx context.Context, region string) ([]*Controller, error) {
	return s.queryControllers(ctx,
		`SELECT `+controllerCols+` FROM controllers WHERE region = ? AND status = ?`,
		region, string(ControllerActive))
}

func (s *Store) ControllersByRole(ctx context.Context, role ControllerRole) ([]*Controller, error) {
	return s.queryControllers(ctx,
		`SELECT `+controllerCols+` FROM controllers WHERE role = ?`, string(role))
}

func (s *Store) queryControllers(ctx context.Context, q string, args ...any) ([]*Controller, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query controllers: %w", err)
	}
	defer rows.Close()
	var out []*Controller
	for rows.Next() {
		c, err := scanController(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertController follows the same CAS contract as UpsertDevice. The
// (role, region) uniqueness invariant for regionals is the caller's to
// enforce through the admission quota check; the store enforces id
// uniqueness.
func (s *Store) UpsertController(ctx context.Context, c *Controller) (UpsertResult, error) {
	existing, err := s.GetController(ctx, c.ControllerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UpsertResult{}, err
	}

	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("encode capabilities: %w", err)
	}
	meta, err := marshalMap(c.Metadata)
	if err != nil {
		return UpsertResult{}, err
	}

	if existing != nil {
		res, err := s.db.ExecContext(ctx, `
			UPDATE controllers SET
				role = ?, region = ?, status = ?, validated_by = ?,
				validated_at = ?, public_key = ?, certificate = ?,
				capabilities = ?, metadata = ?, version = version + 1
			WHERE controller_id = ? AND version = ?`,
			string(c.Role), c.Region, string(c.Status), c.ValidatedBy,
			formatTime(c.ValidatedAt), c.PublicKey, c.Certificate,
			string(caps), meta, c.ControllerID, c.Version,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("update controller %s: %w", c.ControllerID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return UpsertResult{ID: c.ControllerID, Conflict: true}, ErrConflict
		}
		return UpsertResult{ID: c.ControllerID}, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO controllers (`+controllerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		c.ControllerID, string(c.Role), c.Region, string(c.Status),
		c.ValidatedBy, formatTime(c.ValidatedAt), c.PublicKey, c.Certificate,
		string(caps), meta,
	)
	if err != nil {
		return UpsertResult{}, wrapConstraint(fmt.Errorf("insert controller %s: %w", c.ControllerID, err))
	}
	return UpsertResult{ID: c.ControllerID}, nil
}

func scanController(row interface{ Scan(...any) error }) (*Controller, error) {
	var c Controller
	var role, status, caps, meta string
	var region, validatedBy, validatedAt, pubKey, cert sql.NullString
	err := row.Scan(&c.ControllerID, &role, &region, &status, &validatedBy,
		&validatedAt, &pubKey, &cert, &caps, &meta, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan controller: %w", err)
	}
	c.Role = ControllerRole(role)
	c.Status = ControllerStatus(status)
	c.Region = region.String
	c.ValidatedBy = validatedBy.String
	c.ValidatedAt = parseTime(validatedAt.String)
	c.PublicKey = pubKey.String
	c.Certificate = cert.String
	if err := json.Unmarshal([]byte(caps), &c.Capabilities); err != nil {
		c.Capabilities = nil
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		c.Metadata = map[string]any{}
	}
	return &c, nil
}

// ===== Configs =====

const configCols = `config_id, device_id, lines, requester_id, sensitivity,
	state, approval_request_id, execution_token_id, backup_id,
	execution_result, version`

func (s *Store) GetConfig(ctx context.Context, configID string) (*ConfigRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configCols+` FROM configs WHERE config_id = ?`, configID)
	return scanConfig(row)
}

func (s *Store) ConfigsByDevice(ctx context.Context, deviceID string) ([]*ConfigRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configCols+` FROM configs WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query configs: %w", err)
	}
	defer rows.Close()
	var out []*ConfigRecord
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertConfig(ctx context.Context, c *ConfigRecord) (UpsertResult, error) {
	existing, err := s.GetConfig(ctx, c.ConfigID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UpsertResult{}, err
	}

	lines, err := json.Marshal(c.Lines)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("encode config lines: %w", err)
	}
	result, err := marshalMap(c.ExecutionResult)
	if err != nil {
		return UpsertResult{}, err
	}

	if existing != nil {
		res, err := s.db.ExecContext(ctx, `
			UPDATE configs SET
				device_id = ?, lines = ?, requester_id = ?, sensitivity = ?,
				state = ?, approval_request_id = ?, execution_token_id = ?,
				backup_id = ?, execution_result = ?, version = version + 1
			WHERE config_id = ? AND version = ?`,
			c.DeviceID, string(lines), c.RequesterID, c.Sensitivity,
			string(c.State), c.ApprovalRequestID, c.ExecutionTokenID,
			c.BackupID, result, c.ConfigID, c.Version,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("update config %s: %w", c.ConfigID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return UpsertResult{ID: c.ConfigID, Conflict: true}, ErrConflict
		}
		return UpsertResult{ID: c.ConfigID}, nil
	}

	if c.ConfigID == "" {
		c.ConfigID = "cfg-" + uuid.NewString()[:12]
	}
	if c.State == "" {
		c.State = ConfigDraft
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO configs (`+configCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		c.ConfigID, c.DeviceID, string(lines), c.RequesterID, c.Sensitivity,
		string(c.State), c.ApprovalRequestID, c.ExecutionTokenID, c.BackupID,
		result,
	)
	if err != nil {
		return UpsertResult{}, wrapConstraint(fmt.Errorf("insert config %s: %w", c.ConfigID, err))
	}
	return UpsertResult{ID: c.ConfigID}, nil
}

func scanConfig(row interface{ Scan(...any) error }) (*ConfigRecord, error) {
	var c ConfigRecord
	var lines, state string
	var requester, sensitivity, approvalID, tokenID, backupID, result sql.NullString
	err := row.Scan(&c.ConfigID, &c.DeviceID, &lines, &requester, &sensitivity,
		&state, &approvalID, &tokenID, &backupID, &result, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	c.RequesterID = requester.String
	c.Sensitivity = sensitivity.String
	c.State = ConfigState(state)
	c.ApprovalRequestID = approvalID.String
	c.ExecutionTokenID = tokenID.String
	c.BackupID = backupID.String
	if err := json.Unmarshal([]byte(lines), &c.Lines); err != nil {
		c.Lines = nil
	}
	if result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &c.ExecutionResult); err != nil {
			c.ExecutionResult = nil
		}
	}
	return &c, nil
}

// ===== Policies =====

const policyCols = `policy_id, name, rule_set, scope, active, created_by,
	created_at, updated_at, version`

func (s *Store) GetPolicy(ctx context.Context, policyID string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyCols+` FROM policies WHERE policy_id = ?`, policyID)
	return scanPolicy(row)
}

func (s *Store) PoliciesByScope(ctx context.Context, scope string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyCols+` FROM policies WHERE scope = ? AND active = 1`, scope)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()
	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertPolicy(ctx context.Context, p *Policy) (UpsertResult, error) {
	existing, err := s.GetPolicy(ctx, p.PolicyID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UpsertResult{}, err
	}

	rules, err := marshalMap(p.RuleSet)
	if err != nil {
		return UpsertResult{}, err
	}
	active := 0
	if p.Active {
		active = 1
	}

	if existing != nil {
		res, err := s.db.ExecContext(ctx, `
			UPDATE policies SET
				name = ?, rule_set = ?, scope = ?, active = ?,
				updated_at = ?, version = version + 1
			WHERE policy_id = ? AND version = ?`,
			p.Name, rules, p.Scope, active, formatTime(s.now()),
			p.PolicyID, p.Version,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("update policy %s: %w", p.PolicyID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return UpsertResult{ID: p.PolicyID, Conflict: true}, ErrConflict
		}
		return UpsertResult{ID: p.PolicyID}, nil
	}

	if p.PolicyID == "" {
		p.PolicyID = "pol-" + uuid.NewString()[:12]
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (`+policyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		p.PolicyID, p.Name, rules, p.Scope, active, p.CreatedBy,
		formatTime(p.CreatedAt), formatTime(p.CreatedAt),
	)
	if err != nil {
		return UpsertResult{}, wrapConstraint(fmt.Errorf("insert policy %s: %w", p.PolicyID, err))
	}
	return UpsertResult{ID: p.PolicyID}, nil
}

func scanPolicy(row interface{ Scan(...any) error }) (*Policy, error) {
	var p Policy
	var rules string
	var active int
	var createdAt, updatedAt sql.NullString
	err := row.Scan(&p.PolicyID, &p.Name, &rules, &p.Scope, &active,
		&p.CreatedBy, &createdAt, &updatedAt, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	p.Active = active != 0
	p.CreatedAt = parseTime(createdAt.String)
	p.UpdatedAt = parseTime(updatedAt.String)
	if err := json.Unmarshal([]byte(rules), &p.RuleSet); err != nil {
		p.RuleSet = map[string]any{}
	}
	return &p, nil
}

// ===== Backups =====

func (s *Store) InsertBackup(ctx context.Context, b *Backup) error {
	if b.BackupID == "" {
		b.BackupID = "bkp-" + uuid.NewString()[:12]
	}
	if b.CapturedAt.IsZero() {
		b.CapturedAt = s.now()
	}
	lines, err := json.Marshal(b.Lines)
	if err != nil {
		return fmt.Errorf("encode backup lines: %w", err)
	}
	meta, err := marshalMap(b.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backups (backup_id, device_id, lines, captured_at, metadata)
		VALUES (?, ?, ?, ?, ?)`,
		b.BackupID, b.DeviceID, string(lines), formatTime(b.CapturedAt), meta,
	)
	if err != nil {
		return wrapConstraint(fmt.Errorf("insert backup %s: %w", b.BackupID, err))
	}
	return nil
}

func (s *Store) GetBackup(ctx context.Context, backupID string) (*Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT backup_id, device_id, lines, captured_at, metadata
		FROM backups WHERE backup_id = ?`, backupID)
	return scanBackup(row)
}

// LatestBackup returns the most recent backup for a device.
func (s *Store) LatestBackup(ctx context.Context, deviceID string) (*Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT backup_id, device_id, lines, captured_at, metadata
		FROM backups WHERE device_id = ?
		ORDER BY captured_at DESC, rowid DESC LIMIT 1`, deviceID)
	return scanBackup(row)
}

func scanBackup(row interface{ Scan(...any) error }) (*Backup, error) {
	var b Backup
	var lines, capturedAt, meta string
	err := row.Scan(&b.BackupID, &b.DeviceID, &lines, &capturedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan backup: %w", err)
	}
	b.CapturedAt = parseTime(capturedAt)
	if err := json.Unmarshal([]byte(lines), &b.Lines); err != nil {
		b.Lines = nil
	}
	if err := json.Unmarshal([]byte(meta), &b.Metadata); err != nil {
		b.Metadata = map[string]any{}
	}
	return &b, nil
}

// ===== Events =====

// WriteEvent appends an immutable, HMAC-tagged audit event. The store
// exposes no update or delete path for events, and the schema triggers
// reject them from any other writer.
func (s *Store) WriteEvent(ctx context.Context, e *Event) error {
	if e.EventID == "" {
		e.EventID = "evt-" + uuid.NewString()[:12]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	details, err := marshalMap(e.Details)
	if err != nil {
		return err
	}
	e.Signature, err = s.eventTag(e, details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, event_type, actor_id, resource_type,
			resource_id, action, result, timestamp, details, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.EventType, e.ActorID, e.ResourceType, e.ResourceID,
		e.Action, e.Result, formatTime(e.Timestamp), details, e.Signature,
	)
	if err != nil {
		return wrapConstraint(fmt.Errorf("write event %s: %w", e.EventID, err))
	}
	return nil
}

// VerifyEvent recomputes the tamper-evidence tag of a stored event.
func (s *Store) VerifyEvent(e *Event) (bool, error) {
	details, err := marshalMap(e.Details)
	if err != nil {
		return false, err
	}
	want, err := s.eventTag(e, details)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(e.Signature)), nil
}

func (s *Store) eventTag(e *Event, details string) (string, error) {
	canonical, err := json.Marshal(map[string]any{
		"type":      e.EventType,
		"actor":     e.ActorID,
		"timestamp": e.Timestamp.UTC().Format(timeFmt),
		"details":   json.RawMessage(details),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// EventQuery filters the event log; zero fields match everything.
type EventQuery struct {
	ResourceID string
	ActorID    string
	EventType  string
	From       time.Time
	To         time.Time
	Limit      int
}

func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var conds []string
	var args []any
	if q.ResourceID != "" {
		conds = append(conds, "resource_id = ?")
		args = append(args, q.ResourceID)
	}
	if q.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, q.ActorID)
	}
	if q.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, q.EventType)
	}
	if !q.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, formatTime(q.To))
	}
	query := `SELECT event_id, event_type, actor_id, resource_type,
		resource_id, action, result, timestamp, details, signature FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var e Event
		var resourceType, resourceID, action, result sql.NullString
		var ts, details string
		if err := rows.Scan(&e.EventID, &e.EventType, &e.ActorID, &resourceType,
			&resourceID, &action, &result, &ts, &details, &e.Signature); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ResourceType = resourceType.String
		e.ResourceID = resourceID.String
		e.Action = action.String
		e.Result = result.String
		e.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			e.Details = map[string]any{}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ===== Locks =====

// AcquireLock clears expired records for (subject, type) and inserts a new
// lock unless an unexpired one exists.
func (s *Store) AcquireLock(ctx context.Context, subjectID string, lockType LockType, heldBy string, ttl time.Duration) (*Lock, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE subject_id = ? AND lock_type = ? AND expires_at < ?`,
		subjectID, string(lockType), formatTime(now)); err != nil {
		return nil, fmt.Errorf("sweep expired locks: %w", err)
	}

	lock := &Lock{
		LockID:     "lock-" + uuid.NewString()[:12],
		SubjectID:  subjectID,
		LockType:   lockType,
		HeldBy:     heldBy,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (lock_id, subject_id, lock_type, held_by, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		lock.LockID, lock.SubjectID, string(lock.LockType), lock.HeldBy,
		formatTime(lock.AcquiredAt), formatTime(lock.ExpiresAt),
	)
	if err != nil {
		if isConstraintErr(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return lock, nil
}

// ReleaseLock deletes the lock; only the holder may release.
func (s *Store) ReleaseLock(ctx context.Context, lockID, heldBy string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE lock_id = ? AND held_by = ?`, lockID, heldBy)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckLock returns the unexpired lock for (subject, type), or ErrNotFound.
func (s *Store) CheckLock(ctx context.Context, subjectID string, lockType LockType) (*Lock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lock_id, subject_id, lock_type, held_by, acquired_at, expires_at
		FROM locks WHERE subject_id = ? AND lock_type = ? AND expires_at > ?`,
		subjectID, string(lockType), formatTime(s.now()))
	var l Lock
	var lockType2, acquiredAt, expiresAt string
	err := row.Scan(&l.LockID, &l.SubjectID, &lockType2, &l.HeldBy, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check lock: %w", err)
	}
	l.LockType = LockType(lockType2)
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = parseTime(expiresAt)
	return &l, nil
}

// ===== Helpers =====

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFmt)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFmt, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "constraint failed")
}

func wrapConstraint(err error) error {
	if isConstraintErr(err) {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return err
}
