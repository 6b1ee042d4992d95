package postgres

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_progress", UpSQL: migration001Up},
		{Version: 2, Name: "create_badges", UpSQL: migration002Up},
		{Version: 3, Name: "create_outbox", UpSQL: migration003Up},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: PROGRESS AND XP LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS user_progress (
    user_id            VARCHAR(128) PRIMARY KEY,
    total_xp           BIGINT NOT NULL DEFAULT 0,
    current_streak     INTEGER NOT NULL DEFAULT 0,
    longest_streak     INTEGER NOT NULL DEFAULT 0,
    last_activity_date DATE,
    last_xp_at         TIMESTAMP WITH TIME ZONE,
    version            BIGINT NOT NULL DEFAULT 1,
    created_at         TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_total_xp CHECK (total_xp >= 0),
    CONSTRAINT valid_streak CHECK (current_streak >= 0 AND longest_streak >= current_streak)
);

CREATE INDEX IF NOT EXISTS idx_user_progress_total_xp ON user_progress(total_xp DESC, last_xp_at ASC)
    WHERE total_xp > 0;

-- Append-only XP ledger. Windowed leaderboards sum over it.
CREATE TABLE IF NOT EXISTS xp_grants (
    id           UUID PRIMARY KEY,
    user_id      VARCHAR(128) NOT NULL REFERENCES user_progress(user_id) ON DELETE CASCADE,
    amount       BIGINT NOT NULL,
    reason       VARCHAR(64) NOT NULL,
    reference_id VARCHAR(128),
    total_after  BIGINT NOT NULL,
    granted_at   TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT positive_amount CHECK (amount > 0),
    -- NULL references never collide.
    CONSTRAINT uq_xp_grants_reference UNIQUE (user_id, reference_id)
);

CREATE INDEX IF NOT EXISTS idx_xp_grants_window ON xp_grants(granted_at, user_id);
CREATE INDEX IF NOT EXISTS idx_xp_grants_user ON xp_grants(user_id, granted_at DESC);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: BADGES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Catalog copy for reporting. The engine reads the catalog from config.
CREATE TABLE IF NOT EXISTS badges (
    id          VARCHAR(64) PRIMARY KEY,
    name        VARCHAR(128) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    rarity      VARCHAR(16) NOT NULL,
    rule        JSONB NOT NULL,
    created_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_rarity CHECK (rarity IN ('common', 'rare', 'epic', 'legendary'))
);

-- No FK to badges: catalog entries may be retired without touching history.
CREATE TABLE IF NOT EXISTS user_badges (
    user_id   VARCHAR(128) NOT NULL REFERENCES user_progress(user_id) ON DELETE CASCADE,
    badge_id  VARCHAR(64) NOT NULL,
    earned_at TIMESTAMP WITH TIME ZONE NOT NULL,

    PRIMARY KEY (user_id, badge_id)
);

CREATE INDEX IF NOT EXISTS idx_user_badges_badge ON user_badges(badge_id);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: OUTBOX
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id             UUID PRIMARY KEY,
    event_type     VARCHAR(64) NOT NULL,
    aggregate_id   VARCHAR(128) NOT NULL,
    payload        JSONB NOT NULL,
    occurred_at    TIMESTAMP WITH TIME ZONE NOT NULL,
    version        INTEGER NOT NULL DEFAULT 1,
    correlation_id VARCHAR(128),
    created_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    dispatched_at  TIMESTAMP WITH TIME ZONE,
    locked_until   TIMESTAMP WITH TIME ZONE,
    attempts       INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events(created_at)
    WHERE dispatched_at IS NULL;
`
