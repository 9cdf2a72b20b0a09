package catalog

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
	username VARCHAR(64) PRIMARY KEY,
	uuid TEXT UNIQUE NOT NULL,
	user_creation_date TEXT NOT NULL,
	plan_start_date TEXT,
	plan_duration INT,
	plan_traffic BIGINT,
	plan_traffic_usage BIGINT NOT NULL DEFAULT 0,
	plan_extra_traffic BIGINT NOT NULL DEFAULT 0,
	plan_extra_traffic_usage BIGINT NOT NULL DEFAULT 0,
	total_upload BIGINT NOT NULL DEFAULT 0,
	total_download BIGINT NOT NULL DEFAULT 0,
	latest_activity TEXT
);

CREATE TABLE IF NOT EXISTS reserved_plans (
	username VARCHAR(64) PRIMARY KEY,
	plan_reserved_date TEXT NOT NULL,
	plan_duration INT,
	plan_traffic BIGINT,
	FOREIGN KEY (username) REFERENCES users (username) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS history (
	id INTEGER,
	date TEXT NOT NULL,
	action TEXT NOT NULL,
	username VARCHAR(64) NOT NULL,
	plan_start_date TEXT,
	plan_duration INT,
	plan_traffic BIGINT,
	plan_extra_traffic BIGINT,
	FOREIGN KEY (username) REFERENCES users (username) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_history_username ON history(username);
`
