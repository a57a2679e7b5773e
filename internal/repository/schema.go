package repository

// Schema definitions for the Claimscope database.
// Compatible with both SQLite and PostgreSQL. Booleans are stored as
// INTEGER 0/1 so the same statements work on both drivers.

const schemaPortfolios = `
CREATE TABLE IF NOT EXISTS portfolios (
    id TEXT PRIMARY KEY,
    revision TEXT NOT NULL,
    customers INTEGER NOT NULL DEFAULT 0,
    loaded_at TIMESTAMP NOT NULL
);
`

const schemaCustomers = `
CREATE TABLE IF NOT EXISTS customers (
    portfolio_id TEXT NOT NULL REFERENCES portfolios(id) ON DELETE CASCADE,
    id BIGINT NOT NULL,
    age TEXT NOT NULL,
    gender TEXT NOT NULL,
    race TEXT NOT NULL DEFAULT '',
    education TEXT NOT NULL DEFAULT '',
    income TEXT NOT NULL,
    credit_score DOUBLE PRECISION NOT NULL CHECK (credit_score >= 0 AND credit_score <= 1),
    married INTEGER NOT NULL DEFAULT 0,
    children INTEGER NOT NULL DEFAULT 0 CHECK (children >= 0),
    postal_code TEXT NOT NULL,
    PRIMARY KEY (portfolio_id, id)
);
`

const schemaVehicles = `
CREATE TABLE IF NOT EXISTS vehicles (
    portfolio_id TEXT NOT NULL,
    id BIGINT NOT NULL,
    vehicle_ownership INTEGER NOT NULL DEFAULT 0,
    vehicle_year TEXT NOT NULL,
    vehicle_type TEXT NOT NULL,
    annual_mileage INTEGER NOT NULL CHECK (annual_mileage >= 0),
    PRIMARY KEY (portfolio_id, id),
    FOREIGN KEY (portfolio_id, id) REFERENCES customers(portfolio_id, id) ON DELETE CASCADE
);
`

const schemaDrivingHistory = `
CREATE TABLE IF NOT EXISTS driving_history (
    portfolio_id TEXT NOT NULL,
    id BIGINT NOT NULL,
    driving_experience TEXT NOT NULL,
    speeding_violations INTEGER NOT NULL CHECK (speeding_violations >= 0),
    duis INTEGER NOT NULL CHECK (duis >= 0),
    past_accidents INTEGER NOT NULL CHECK (past_accidents >= 0),
    PRIMARY KEY (portfolio_id, id),
    FOREIGN KEY (portfolio_id, id) REFERENCES customers(portfolio_id, id) ON DELETE CASCADE
);
`

const schemaClaims = `
CREATE TABLE IF NOT EXISTS claims (
    portfolio_id TEXT NOT NULL,
    id BIGINT NOT NULL,
    outcome INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (portfolio_id, id),
    FOREIGN KEY (portfolio_id, id) REFERENCES customers(portfolio_id, id) ON DELETE CASCADE
);
`

// schemaFlagRules stores the CEL definitions of the five risk flags.
// requires is a JSON array of entity names.
const schemaFlagRules = `
CREATE TABLE IF NOT EXISTS flag_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    requires TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in dependency order.
func AllSchemas() []string {
	return []string{
		schemaPortfolios,
		schemaCustomers,
		schemaVehicles,
		schemaDrivingHistory,
		schemaClaims,
		schemaFlagRules,
	}
}
