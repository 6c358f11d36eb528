package storage

const sqliteSchema = `
-- The 'decks' table stores the named card collections, one owner each.
CREATE TABLE IF NOT EXISTS decks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

-- The 'cards' table stores each flashcard together with its SM-2 state.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    deck_id TEXT NOT NULL,
    front TEXT NOT NULL,
    back TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    interval INTEGER NOT NULL DEFAULT 0,
    repetitions INTEGER NOT NULL DEFAULT 0,
    ease_factor REAL NOT NULL,
    next_review_date DATETIME NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,

    FOREIGN KEY(deck_id) REFERENCES decks(id)
);

CREATE INDEX IF NOT EXISTS idx_cards_due ON cards(next_review_date);

-- The 'sources' table tracks deck origins, either a local directory or a
-- git repository of markdown deck files.
CREATE TABLE IF NOT EXISTS sources (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    path TEXT NOT NULL,
    type TEXT NOT NULL,
    deck_id TEXT NOT NULL DEFAULT '',
    last_scanned DATETIME
);
`
