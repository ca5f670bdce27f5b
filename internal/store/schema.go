package store

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS control_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_type TEXT NOT NULL,
		sector_id INTEGER,
		duration INTEGER,
		action TEXT,
		brightness INTEGER,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_control_commands_type_status ON control_commands(command_type, status, id);`,
	`CREATE TABLE IF NOT EXISTS edge_devices (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		last_command_id INTEGER NOT NULL DEFAULT 0,
		last_seen TEXT NOT NULL,
		status TEXT NOT NULL,
		serial_port TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS environmental_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sector_id INTEGER NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_environmental_sector_time ON environmental_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS soil_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sector_id INTEGER NOT NULL,
		raw_value INTEGER NOT NULL,
		soil_moisture REAL NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_soil_sector_time ON soil_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS plant_height_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sector_id INTEGER NOT NULL,
		height_cm REAL NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_plant_height_sector_time ON plant_height_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS leaf_count_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sector_id INTEGER NOT NULL,
		leaf_count INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_leaf_count_sector_time ON leaf_count_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS ingestion_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT,
		payload TEXT,
		error TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS control_commands (
		id BIGSERIAL PRIMARY KEY,
		command_type TEXT NOT NULL,
		sector_id INTEGER,
		duration INTEGER,
		action TEXT,
		brightness INTEGER,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_control_commands_type_status ON control_commands(command_type, status, id);`,
	`CREATE TABLE IF NOT EXISTS edge_devices (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		last_command_id BIGINT NOT NULL DEFAULT 0,
		last_seen TEXT NOT NULL,
		status TEXT NOT NULL,
		serial_port TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS environmental_readings (
		id BIGSERIAL PRIMARY KEY,
		sector_id INTEGER NOT NULL,
		temperature DOUBLE PRECISION NOT NULL,
		humidity DOUBLE PRECISION NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_environmental_sector_time ON environmental_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS soil_readings (
		id BIGSERIAL PRIMARY KEY,
		sector_id INTEGER NOT NULL,
		raw_value INTEGER NOT NULL,
		soil_moisture DOUBLE PRECISION NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_soil_sector_time ON soil_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS plant_height_readings (
		id BIGSERIAL PRIMARY KEY,
		sector_id INTEGER NOT NULL,
		height_cm DOUBLE PRECISION NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_plant_height_sector_time ON plant_height_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS leaf_count_readings (
		id BIGSERIAL PRIMARY KEY,
		sector_id INTEGER NOT NULL,
		leaf_count INTEGER NOT NULL,
		recorded_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_leaf_count_sector_time ON leaf_count_readings(sector_id, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS ingestion_errors (
		id BIGSERIAL PRIMARY KEY,
		source TEXT,
		payload TEXT,
		error TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
}
