package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"greenhouse/go-iot-stack/internal/model"
)

const commandColumns = `id, command_type, sector_id, duration, action, brightness, status, created_at`

// Register upserts the device row (new rows start at cursor 0; existing rows keep
// their cursor and are refreshed to online) and returns the stored cursor.
func (s *Store) Register(ctx context.Context, deviceID string, class model.DeviceClass, serialPort string) (int64, error) {
	if s.db == nil {
		return 0, errNotInitialized
	}

	now := model.FormatTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("register device", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO edge_devices (id, node_type, last_command_id, last_seen, status, serial_port)
		 VALUES (?, ?, 0, ?, ?, ?)
		 ON CONFLICT(id)
		 DO UPDATE SET node_type = excluded.node_type,
				 last_seen = excluded.last_seen,
				 status = excluded.status,
				 serial_port = excluded.serial_port;`),
		deviceID,
		string(class),
		now,
		model.DeviceOnline,
		serialPort,
	)
	if err != nil {
		return 0, unavailable("register device", err)
	}

	var cursor int64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT last_command_id FROM edge_devices WHERE id = ?;`), deviceID).Scan(&cursor); err != nil {
		return 0, unavailable("read device cursor", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("register device", err)
	}
	return cursor, nil
}

// FetchPending returns up to limit queued commands of the given type with an id
// above both cursor and the device's stored cursor, ascending by id.
func (s *Store) FetchPending(ctx context.Context, deviceID string, commandType model.CommandType, cursor int64, limit int) ([]model.Command, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.query(ctx,
		`SELECT `+commandColumns+`
		 FROM control_commands
		 WHERE id > ?
		   AND id > COALESCE((SELECT last_command_id FROM edge_devices WHERE id = ?), 0)
		   AND status = ?
		   AND command_type = ?
		 ORDER BY id ASC
		 LIMIT ?;`,
		cursor,
		deviceID,
		string(model.StatusSuccess),
		string(commandType),
		limit,
	)
	if err != nil {
		return nil, unavailable("query pending commands", err)
	}
	defer rows.Close()

	commands := make([]model.Command, 0, limit)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate pending commands", err)
	}
	return commands, nil
}

// AdvanceCursor persists a new cursor and last-seen time. The stored cursor never
// moves backwards.
func (s *Store) AdvanceCursor(ctx context.Context, deviceID string, cursor int64) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.exec(ctx,
		`UPDATE edge_devices
		 SET last_command_id = CASE WHEN last_command_id < ? THEN ? ELSE last_command_id END,
		     last_seen = ?
		 WHERE id = ?;`,
		cursor,
		cursor,
		model.FormatTime(time.Now()),
		deviceID,
	)
	if err != nil {
		return unavailable("advance cursor", err)
	}
	return requireRow(res, deviceID)
}

// Touch refreshes the device's last-seen time only.
func (s *Store) Touch(ctx context.Context, deviceID string) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.exec(ctx, `UPDATE edge_devices SET last_seen = ? WHERE id = ?;`, model.FormatTime(time.Now()), deviceID)
	if err != nil {
		return unavailable("touch device", err)
	}
	return requireRow(res, deviceID)
}

// MarkOffline flips the device to offline with the current time.
func (s *Store) MarkOffline(ctx context.Context, deviceID string) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.exec(ctx,
		`UPDATE edge_devices SET status = ?, last_seen = ? WHERE id = ?;`,
		model.DeviceOffline,
		model.FormatTime(time.Now()),
		deviceID,
	)
	if err != nil {
		return unavailable("mark device offline", err)
	}
	return requireRow(res, deviceID)
}

// Enqueue appends a command to the log and returns its assigned id.
func (s *Store) Enqueue(ctx context.Context, cmd model.Command) (int64, error) {
	if s.db == nil {
		return 0, errNotInitialized
	}

	if cmd.Status == "" {
		cmd.Status = model.StatusSuccess
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}

	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO control_commands (command_type, sector_id, duration, action, brightness, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id;`,
		string(cmd.Type),
		nullInt(cmd.SectorID),
		nullInt(cmd.Duration),
		nullString(cmd.Action),
		nullInt(cmd.Brightness),
		string(cmd.Status),
		model.FormatTime(cmd.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, unavailable("enqueue command", err)
	}
	return id, nil
}

// RecentCommands returns the newest commands first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]model.Command, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.query(ctx, `SELECT `+commandColumns+` FROM control_commands ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, unavailable("query recent commands", err)
	}
	defer rows.Close()

	var commands []model.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate recent commands", err)
	}
	return commands, nil
}

// Device loads one registration.
func (s *Store) Device(ctx context.Context, deviceID string) (model.DeviceRegistration, error) {
	if s.db == nil {
		return model.DeviceRegistration{}, errNotInitialized
	}

	row := s.queryRow(ctx, `SELECT id, node_type, last_command_id, last_seen, status, serial_port FROM edge_devices WHERE id = ?;`, deviceID)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceRegistration{}, ErrDeviceNotRegistered
	}
	return dev, err
}

// Devices lists every registration ordered by id.
func (s *Store) Devices(ctx context.Context) ([]model.DeviceRegistration, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.query(ctx, `SELECT id, node_type, last_command_id, last_seen, status, serial_port FROM edge_devices ORDER BY id ASC;`)
	if err != nil {
		return nil, unavailable("query devices", err)
	}
	defer rows.Close()

	var devices []model.DeviceRegistration
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate devices", err)
	}
	return devices, nil
}

func scanCommand(row rowScanner) (model.Command, error) {
	var (
		cmd                            model.Command
		commandType, status, createdAt string
		sector, duration, brightness   sql.NullInt64
		action                         sql.NullString
	)
	if err := row.Scan(&cmd.ID, &commandType, &sector, &duration, &action, &brightness, &status, &createdAt); err != nil {
		return model.Command{}, unavailable("scan command", err)
	}

	ts, err := parseStoredTime(createdAt)
	if err != nil {
		return model.Command{}, fmt.Errorf("scan command %d: %w", cmd.ID, err)
	}

	cmd.Type = model.CommandType(commandType)
	cmd.Status = model.CommandStatus(status)
	cmd.SectorID = intPtr(sector)
	cmd.Duration = intPtr(duration)
	cmd.Brightness = intPtr(brightness)
	cmd.Action = action.String
	cmd.CreatedAt = ts
	return cmd, nil
}

func scanDevice(row rowScanner) (model.DeviceRegistration, error) {
	var (
		dev                 model.DeviceRegistration
		class, lastSeen, st string
		serialPort          sql.NullString
	)
	if err := row.Scan(&dev.DeviceID, &class, &dev.LastCommandID, &lastSeen, &st, &serialPort); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dev, err
		}
		return dev, unavailable("scan device", err)
	}

	ts, err := parseStoredTime(lastSeen)
	if err != nil {
		return dev, fmt.Errorf("scan device %s: %w", dev.DeviceID, err)
	}
	dev.Class = model.DeviceClass(class)
	dev.LastSeen = ts
	dev.Status = st
	dev.SerialPort = serialPort.String
	return dev, nil
}

func requireRow(res sql.Result, deviceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotRegistered, deviceID)
	}
	return nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
