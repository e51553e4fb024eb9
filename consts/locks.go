package consts

// PeerStateAdvisoryLockID is the PostgreSQL advisory lock key that serializes
// peer state updates across every process sharing one database.
const PeerStateAdvisoryLockID = 61734029

// MigrationAdvisoryLockID guards schema migrations run from the CLI.
const MigrationAdvisoryLockID = 61734030
