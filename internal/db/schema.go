package db

// SchemaSQL defines the tables backing the record store and the episode
// memory of the knowledge engine. Every statement is idempotent.
const SchemaSQL = `
    -- ==========================================================================
    -- INGESTION QUEUE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS ingestion_queue SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS workspace_id ON ingestion_queue TYPE string;
    DEFINE FIELD IF NOT EXISTS user_id ON ingestion_queue TYPE string;
    DEFINE FIELD IF NOT EXISTS space_id ON ingestion_queue TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS activity_id ON ingestion_queue TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS parent_id ON ingestion_queue TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS job_id ON ingestion_queue TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS type ON ingestion_queue TYPE string;
    -- Request snapshot and handler output are kept as raw JSON text
    DEFINE FIELD IF NOT EXISTS data ON ingestion_queue TYPE string;
    DEFINE FIELD IF NOT EXISTS output ON ingestion_queue TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS status ON ingestion_queue TYPE string;
    DEFINE FIELD IF NOT EXISTS priority ON ingestion_queue TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS retry_count ON ingestion_queue TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS error ON ingestion_queue TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS version ON ingestion_queue TYPE int DEFAULT 1;
    DEFINE FIELD IF NOT EXISTS created_at ON ingestion_queue TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON ingestion_queue TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS ingestion_queue_ws_status ON ingestion_queue FIELDS workspace_id, status;
    DEFINE INDEX IF NOT EXISTS ingestion_queue_parent ON ingestion_queue FIELDS parent_id;

    -- ==========================================================================
    -- DOCUMENTS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS document SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS workspace_id ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS user_id ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS title ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS source ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS space_id ON document TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS session_id ON document TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS metadata ON document TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS queue_record_id ON document TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON document TYPE datetime DEFAULT time::now();

    -- ==========================================================================
    -- WORKSPACE MEMBERSHIP (record id = user id)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS user_workspace SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS workspace_id ON user_workspace TYPE string;

    -- ==========================================================================
    -- CONVERSATIONS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS conversation SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS workspace_id ON conversation TYPE string;
    DEFINE FIELD IF NOT EXISTS user_id ON conversation TYPE string;
    DEFINE FIELD IF NOT EXISTS title ON conversation TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS status ON conversation TYPE string;
    DEFINE FIELD IF NOT EXISTS active_run_id ON conversation TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS created_at ON conversation TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON conversation TYPE datetime DEFAULT time::now();

    DEFINE TABLE IF NOT EXISTS conversation_history SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS conversation_id ON conversation_history TYPE string;
    DEFINE FIELD IF NOT EXISTS user_id ON conversation_history TYPE string;
    DEFINE FIELD IF NOT EXISTS role ON conversation_history TYPE string;
    DEFINE FIELD IF NOT EXISTS message ON conversation_history TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON conversation_history TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS conversation_history_conv ON conversation_history FIELDS conversation_id, created_at;

    -- ==========================================================================
    -- EPISODE TABLE (Episodic Memory)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS episode SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content ON episode TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON episode TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS metadata ON episode TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS entities ON episode TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS statements ON episode TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS timestamp ON episode TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS context ON episode TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created ON episode TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS episode_timestamp ON episode FIELDS timestamp;
    DEFINE INDEX IF NOT EXISTS episode_context ON episode FIELDS context;
`

// tables lists every table in wipe order.
var tables = []string{"episode", "conversation_history", "conversation", "user_workspace", "document", "ingestion_queue"}
